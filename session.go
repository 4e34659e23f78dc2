package larder

import (
	"fmt"
	"strings"
	"sync"
)

// Session hands out short conflict references (C1, C2, ...) for recipes
// shown to a user, so they can be resolved without typing recipe ids.
type Session struct {
	mu      sync.Mutex
	refs    map[string]string // C1 -> recipe ID
	reverse map[string]string // recipe ID -> C1
	counter int
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		refs:    make(map[string]string),
		reverse: make(map[string]string),
	}
}

// Track returns the reference for recipeID, assigning the next one if new.
func (s *Session) Track(recipeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.reverse[recipeID]; ok {
		return ref
	}
	s.counter++
	ref := fmt.Sprintf("C%d", s.counter)
	s.refs[ref] = recipeID
	s.reverse[recipeID] = ref
	return ref
}

// Resolve converts a reference to a recipe ID. References are case-insensitive.
func (s *Session) Resolve(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refs[strings.ToUpper(ref)]
	return id, ok
}

// Count returns the number of tracked recipes.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Clear forgets every reference and restarts numbering.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]string)
	s.reverse = make(map[string]string)
	s.counter = 0
}

// Match resolves input as a reference, a tracked recipe ID, or a
// case-insensitive fragment of a tracked recipe's title.
func (s *Session) Match(input string, title func(id string) string) (string, bool) {
	if id, ok := s.Resolve(input); ok {
		return id, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reverse[input]; ok {
		return input, true
	}

	needle := strings.ToLower(strings.TrimSpace(input))
	if needle == "" {
		return "", false
	}
	var found string
	for _, id := range s.refs {
		if strings.Contains(strings.ToLower(title(id)), needle) {
			if found != "" && found != id {
				return "", false
			}
			found = id
		}
	}
	return found, found != ""
}
