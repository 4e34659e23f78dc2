package mcp_test

import (
	"sync"
	"testing"

	"github.com/hyperengineering/larder/mcp"
)

func TestConflictSession_Track_AssignsSequentialRefs(t *testing.T) {
	session := mcp.NewConflictSession()

	ref1 := session.Track("default", "r-abc")
	ref2 := session.Track("default", "r-def")

	if ref1 != "C1" || ref2 != "C2" {
		t.Errorf("refs = %q, %q; want C1, C2", ref1, ref2)
	}
}

func TestConflictSession_Track_GlobalCounterAcrossLibraries(t *testing.T) {
	session := mcp.NewConflictSession()

	session.Track("default", "r-1")
	session.Track("default", "r-2")
	ref := session.Track("pantry", "r-3")

	if ref != "C3" {
		t.Errorf("pantry ref = %q, want C3", ref)
	}
}

func TestConflictSession_Track_SameRecipeDifferentLibraries(t *testing.T) {
	session := mcp.NewConflictSession()

	a := session.Track("default", "r-1")
	b := session.Track("pantry", "r-1")
	again := session.Track("default", "r-1")

	if a == b {
		t.Errorf("same recipe ID in two libraries shares ref %q", a)
	}
	if again != a {
		t.Errorf("re-tracking returned %q, want %q", again, a)
	}
}

func TestConflictSession_Resolve(t *testing.T) {
	session := mcp.NewConflictSession()
	session.Track("pantry", "r-1")

	for _, ref := range []string{"C1", "c1", " C1 "} {
		cr, ok := session.Resolve(ref)
		if !ok {
			t.Errorf("Resolve(%q) not found", ref)
			continue
		}
		if cr.Library != "pantry" || cr.RecipeID != "r-1" {
			t.Errorf("Resolve(%q) = %+v", ref, cr)
		}
	}
	if _, ok := session.Resolve("C2"); ok {
		t.Error("Resolve(C2) found an untracked ref")
	}
}

func TestConflictSession_LookupAndAll(t *testing.T) {
	session := mcp.NewConflictSession()
	session.Track("default", "r-1")
	session.Track("pantry", "r-2")

	if ref, ok := session.Lookup("pantry", "r-2"); !ok || ref != "C2" {
		t.Errorf("Lookup = %q, %v; want C2, true", ref, ok)
	}
	if _, ok := session.Lookup("pantry", "r-1"); ok {
		t.Error("Lookup found r-1 in the wrong library")
	}

	all := session.All()
	if len(all) != 2 || all["C1"].Library != "default" {
		t.Errorf("All = %+v", all)
	}
}

func TestConflictSession_Clear(t *testing.T) {
	session := mcp.NewConflictSession()
	session.Track("default", "r-1")
	session.Track("default", "r-2")

	session.Clear()

	if _, ok := session.Resolve("C1"); ok {
		t.Error("C1 still resolves after Clear")
	}
	if ref := session.Track("default", "r-9"); ref != "C1" {
		t.Errorf("first ref after Clear = %q, want C1", ref)
	}
}

func TestConflictSession_ConcurrentTrack(t *testing.T) {
	session := mcp.NewConflictSession()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session.Track("default", string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()

	if n := len(session.All()); n != 26 {
		t.Errorf("tracked %d recipes, want 26", n)
	}
}
