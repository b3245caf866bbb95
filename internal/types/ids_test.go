package types

import (
	"testing"
)

func TestNewEventID(t *testing.T) {
	id := NewEventID()
	if id == "" {
		t.Error("expected non-empty EventID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestUserIDFormat(t *testing.T) {
	id := NewUserID("telegram", "123")
	expected := UserID("telegram:123")
	if id != expected {
		t.Errorf("expected %s, got %s", expected, id)
	}
}

func TestNoteIDDeterministic(t *testing.T) {
	a := NewNoteID("alice", "likes tea")
	b := NewNoteID("alice", "likes tea")
	if a != b {
		t.Errorf("expected identical ids, got %s and %s", a, b)
	}
	if c := NewNoteID("bob", "likes tea"); c == a {
		t.Error("expected per-user namespaces to differ")
	}
	if d := NewNoteID("alice", "likes coffee"); d == a {
		t.Error("expected different content to yield a different id")
	}
}

func TestParseNoteID(t *testing.T) {
	id := NewNoteID("alice", "x")
	got, err := ParseNoteID(" " + string(id) + " ")
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("expected %s, got %s", id, got)
	}
	if _, err := ParseNoteID("not-a-uuid"); err == nil {
		t.Error("expected error for malformed id")
	}
}
