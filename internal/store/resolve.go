package store

import (
	"fmt"
	"os"
)

// ResolveLibrary determines the library ID to use.
// Priority: explicit > LARDER_LIBRARY env > "default"
func ResolveLibrary(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateLibraryID(explicit); err != nil {
			return "", fmt.Errorf("invalid library ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("LARDER_LIBRARY"); env != "" {
		if err := ValidateLibraryID(env); err != nil {
			return "", fmt.Errorf("invalid LARDER_LIBRARY %q: %w", env, err)
		}
		return env, nil
	}

	return "default", nil
}
