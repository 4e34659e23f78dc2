package store_test

import (
	"errors"
	"testing"

	"github.com/hyperengineering/larder/internal/store"
)

func TestResolveLibrary(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		env      string
		want     string
		wantErr  bool
	}{
		{"explicit", "family", "", "family", false},
		{"env", "", "from-env", "from-env", false},
		{"explicit over env", "family", "from-env", "family", false},
		{"default fallback", "", "", "default", false},
		{"invalid explicit", "Bad_ID", "", "", true},
		{"invalid env", "", "Bad_ID", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LARDER_LIBRARY", tt.env)

			got, err := store.ResolveLibrary(tt.explicit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveLibrary(%q) error = %v, wantErr %v", tt.explicit, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, store.ErrInvalidLibraryID) {
					t.Errorf("ResolveLibrary(%q) error = %v, want ErrInvalidLibraryID", tt.explicit, err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ResolveLibrary(%q) = %q, want %q", tt.explicit, got, tt.want)
			}
		})
	}
}
