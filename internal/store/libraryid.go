// Package store locates and names the local recipe libraries on disk.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// Library ID validation errors.
var (
	// ErrInvalidLibraryID indicates the library ID format is invalid.
	ErrInvalidLibraryID = errors.New("invalid library ID: must be lowercase alphanumeric with hyphens, 1-64 characters")

	// ErrReservedLibraryID indicates the library ID is reserved and cannot be created.
	ErrReservedLibraryID = errors.New("reserved library ID: cannot create libraries with reserved IDs")
)

// libraryIDRegex: lowercase alphanumeric and hyphens, 1-64 characters,
// no leading or trailing hyphen.
var libraryIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

var reservedLibraryIDs = map[string]bool{
	"default": true,
	"_trash":  true,
}

// ValidateLibraryID returns ErrInvalidLibraryID if id is malformed.
// Reserved IDs are valid targets.
func ValidateLibraryID(id string) error {
	if reservedLibraryIDs[id] {
		return nil
	}
	if strings.Contains(id, "--") || !libraryIDRegex.MatchString(id) {
		return ErrInvalidLibraryID
	}
	return nil
}

// IsReservedLibraryID returns true if the library ID is reserved.
func IsReservedLibraryID(id string) bool {
	return reservedLibraryIDs[id]
}

// ValidateLibraryIDForCreation also rejects reserved IDs.
func ValidateLibraryIDForCreation(id string) error {
	if err := ValidateLibraryID(id); err != nil {
		return err
	}
	if IsReservedLibraryID(id) {
		return ErrReservedLibraryID
	}
	return nil
}
