package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil, zerolog.Nop())
}

func TestStore_SaveCreatesThenUpdates(t *testing.T) {
	s := newTestStore(t)

	key, action, err := s.Save("daughter-name", "Her daughter's name is Claire.", CategoryFamily, true)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if action != ActionCreated {
		t.Errorf("expected ActionCreated, got %s", action)
	}
	if key != "daughter-name" {
		t.Errorf("expected normalized key 'daughter-name', got %q", key)
	}

	_, action, err = s.Save("daughter-name", "Her daughter Claire visits on Sundays.", CategoryFamily, false)
	if err != nil {
		t.Fatalf("Save() (update) failed: %v", err)
	}
	if action != ActionUpdated {
		t.Errorf("expected ActionUpdated, got %s", action)
	}

	rec, ok := s.Get("daughter-name")
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if !rec.IsFact {
		t.Error("expected is_fact to remain true across a non-fact-asserting save")
	}
}

func TestStore_SaveDerivesKeyWhenOmitted(t *testing.T) {
	s := newTestStore(t)

	key, _, err := s.Save("", "loves gardening and bird watching", CategoryPreferences, false)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if key == "" {
		t.Fatal("expected a derived non-empty key")
	}
	if _, ok := s.Get(key); !ok {
		t.Fatalf("expected record under derived key %q", key)
	}
}

func TestStore_RemoveProtectedFact(t *testing.T) {
	s := newTestStore(t)
	key, _, _ := s.Save("allergy", "Allergic to penicillin.", CategoryHealth, true)

	result, err := s.Remove(key, false)
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if result != RemoveResultProtected {
		t.Errorf("expected protected, got %s", result)
	}

	result, err = s.Remove(key, true)
	if err != nil {
		t.Fatalf("Remove(force) failed: %v", err)
	}
	if result != RemoveResultRemoved {
		t.Errorf("expected removed under force=true, got %s", result)
	}
}

func TestStore_UpdateProtectedFact(t *testing.T) {
	s := newTestStore(t)
	key, _, _ := s.Save("diabetic", "Type 2 diabetic, avoid sugary treats.", CategoryHealth, true)

	result, err := s.Update(key, "no longer diabetic per family update", nil, false)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if result != UpdateResultProtected {
		t.Errorf("expected protected, got %s", result)
	}
}

func TestStore_RemoveNotFound(t *testing.T) {
	s := newTestStore(t)
	result, err := s.Remove("does-not-exist", false)
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if result != RemoveResultNotFound {
		t.Errorf("expected not_found, got %s", result)
	}
}

func TestStore_ListKeysSeparatesFactsFromMemories(t *testing.T) {
	s := newTestStore(t)
	s.Save("fact-1", "fact content", CategoryHealth, true)
	s.Save("mem-1", "memory content", CategoryGeneral, false)

	facts, memories, err := s.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys() failed: %v", err)
	}
	if len(facts) != 1 || facts[0] != "fact-1" {
		t.Errorf("expected facts=[fact-1], got %v", facts)
	}
	if len(memories) != 1 || memories[0] != "mem-1" {
		t.Errorf("expected memories=[mem-1], got %v", memories)
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"Daughter's Name": "daughter-s-name",
		"  leading":       "leading",
		"UPPER_CASE":      "upper-case",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMain_DataDirIsCreated(t *testing.T) {
	// guards store.Open's MkdirAll path for a nested, not-yet-existing directory
	dir := filepath.Join(t.TempDir(), "nested", "data")
	db, err := store.Open(filepath.Join(dir, "companion.db"))
	if err != nil {
		t.Fatalf("store.Open() with nested dir failed: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}
}
