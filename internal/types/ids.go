package types

import (
	"strings"

	"github.com/google/uuid"
)

type UserID string
type EventID string
type MessageID string
type NoteID string
type RunID string

// noteNamespace is the root UUIDv5 namespace for note identifiers.
var noteNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("notes"))

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewNoteID derives the identifier of a note from its owner and content.
// The same content saved twice by the same user yields the same id.
func NewNoteID(user UserID, content string) NoteID {
	userNS := uuid.NewSHA1(noteNamespace, []byte(user))
	return NoteID(uuid.NewSHA1(userNS, []byte(content)).String())
}

// ParseNoteID validates a textual note identifier.
func ParseNoteID(s string) (NoteID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return NoteID(id.String()), nil
}

func NewUserID(parts ...string) UserID {
	return UserID(strings.Join(parts, ":"))
}
