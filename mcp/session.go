package mcp

import (
	"fmt"
	"strings"
	"sync"
)

// ConflictRef locates a conflicted recipe in a specific library.
type ConflictRef struct {
	Library  string
	RecipeID string
}

// ConflictSession numbers conflicts across libraries with one counter, so
// an agent can say "resolve C3" without naming the library.
type ConflictSession struct {
	mu      sync.Mutex
	refs    map[string]ConflictRef // C1 -> ConflictRef
	reverse map[string]string      // "library:recipeID" -> C1
	counter int
}

// NewConflictSession creates an empty session.
func NewConflictSession() *ConflictSession {
	return &ConflictSession{
		refs:    make(map[string]ConflictRef),
		reverse: make(map[string]string),
	}
}

// Track returns the reference for a library's recipe, assigning the next
// one if it has not been seen.
func (s *ConflictSession) Track(library, recipeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := reverseKey(library, recipeID)
	if ref, ok := s.reverse[key]; ok {
		return ref
	}
	s.counter++
	ref := fmt.Sprintf("C%d", s.counter)
	s.refs[ref] = ConflictRef{Library: library, RecipeID: recipeID}
	s.reverse[key] = ref
	return ref
}

// Resolve converts a reference (case-insensitive) to its library and recipe.
func (s *ConflictSession) Resolve(ref string) (ConflictRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cr, ok := s.refs[strings.ToUpper(strings.TrimSpace(ref))]
	return cr, ok
}

// Lookup returns the reference already assigned to a library's recipe.
func (s *ConflictSession) Lookup(library, recipeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.reverse[reverseKey(library, recipeID)]
	return ref, ok
}

// All returns a copy of every tracked reference.
func (s *ConflictSession) All() map[string]ConflictRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ConflictRef, len(s.refs))
	for ref, cr := range s.refs {
		out[ref] = cr
	}
	return out
}

// Clear forgets every reference and restarts numbering.
func (s *ConflictSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]ConflictRef)
	s.reverse = make(map[string]string)
	s.counter = 0
}

func reverseKey(library, recipeID string) string {
	return library + ":" + recipeID
}
