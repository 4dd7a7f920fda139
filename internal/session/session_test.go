package session

import (
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGetOrCreateNewSession(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("telegram:42")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if s.Key != "telegram:42" {
		t.Errorf("Key = %q", s.Key)
	}
	if len(s.Messages) != 0 {
		t.Errorf("new session has %d messages", len(s.Messages))
	}

	again, err := m.GetOrCreate("telegram:42")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if again != s {
		t.Error("expected cached session pointer")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	s, _ := m.GetOrCreate("cli:local")
	s.AddMessage("user", "hello")
	s.AddMessage("assistant", "hi there")
	s.LastConsolidated = 1
	s.ModelOverride = "gpt-4o"
	if err := m.Save(s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	m.Close()

	m2, err := NewManager(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	loaded, err := m2.GetOrCreate("cli:local")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Messages))
	}
	if loaded.Messages[0].Role != "user" || loaded.Messages[1].Content != "hi there" {
		t.Errorf("messages out of order: %+v", loaded.Messages)
	}
	if loaded.LastConsolidated != 1 {
		t.Errorf("LastConsolidated = %d, want 1", loaded.LastConsolidated)
	}
	if loaded.ModelOverride != "gpt-4o" {
		t.Errorf("ModelOverride = %q", loaded.ModelOverride)
	}
}

func TestHistoryWindow(t *testing.T) {
	s := &Session{Key: "x"}
	for i := 0; i < 5; i++ {
		s.AddMessage("user", "msg")
	}

	if got := len(s.History(3)); got != 3 {
		t.Errorf("History(3) = %d messages", got)
	}
	if got := len(s.History(0)); got != 5 {
		t.Errorf("History(0) = %d messages, want all", got)
	}
	if got := len(s.History(10)); got != 5 {
		t.Errorf("History(10) = %d messages, want all", got)
	}
}

func TestReset(t *testing.T) {
	m := newTestManager(t)

	s, _ := m.GetOrCreate("mqtt:dev")
	s.AddMessage("user", "remember this")
	if err := m.Save(s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := m.Reset("mqtt:dev"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	fresh, err := m.GetOrCreate("mqtt:dev")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if len(fresh.Messages) != 0 {
		t.Errorf("messages = %d after reset, want 0", len(fresh.Messages))
	}
	if fresh == s {
		t.Error("reset must evict the cached session")
	}
}

func TestKeysOrdering(t *testing.T) {
	m := newTestManager(t)

	a, _ := m.GetOrCreate("a:1")
	b, _ := m.GetOrCreate("b:2")
	m.Save(a)
	m.Save(b)

	keys, err := m.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
}
