package store

import (
	"os"
	"path/filepath"
	"sort"
)

// DBFileName is the database file inside each library directory.
const DBFileName = "larder.db"

// DefaultLibraryRoot returns the root directory for all libraries.
// Defaults to ~/.larder/libraries, falls back to ./.larder/libraries if home dir unavailable.
// LARDER_HOME overrides the ~/.larder part.
func DefaultLibraryRoot() string {
	if home := os.Getenv("LARDER_HOME"); home != "" {
		return filepath.Join(home, "libraries")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".larder", "libraries")
	}
	return filepath.Join(home, ".larder", "libraries")
}

// LibraryDir returns a library's directory.
func LibraryDir(libraryID string) string {
	return filepath.Join(DefaultLibraryRoot(), libraryID)
}

// LibraryDBPath returns the full path to a library's database file.
// Example: LibraryDBPath("family") -> ~/.larder/libraries/family/larder.db
func LibraryDBPath(libraryID string) string {
	return filepath.Join(LibraryDir(libraryID), DBFileName)
}

// ListLibraries returns the IDs of libraries that have a database on disk, sorted.
func ListLibraries() ([]string, error) {
	entries, err := os.ReadDir(DefaultLibraryRoot())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateLibraryID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(DefaultLibraryRoot(), e.Name(), DBFileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
