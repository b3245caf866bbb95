package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

var (
	ErrEmptyMessage    = errors.New("message has neither content nor function call")
	ErrInvalidRole     = errors.New("invalid message role")
	ErrNameMismatch    = errors.New("name must be set if and only if role is function")
	ErrInvalidLifetime = errors.New("note must expire after it is created")
)

// FunctionCall is a function invocation requested by the model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// MessageParams describes a Message to construct.
type MessageParams struct {
	ID           MessageID
	Role         Role
	Content      string
	Name         string
	FunctionCall *FunctionCall
	CreatedAt    time.Time
}

// Message is the persisted, model-facing form of a conversation entry.
// A Message is immutable; its token count is fixed at construction.
type Message struct {
	id           MessageID
	role         Role
	content      string
	name         string
	functionCall *FunctionCall
	tokenCount   int
	createdAt    time.Time
}

// NewMessage validates p and computes the token count with counter.
func NewMessage(counter TokenCounter, p MessageParams) (Message, error) {
	switch p.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}
	if (p.Role == RoleFunction) != (p.Name != "") {
		return Message{}, ErrNameMismatch
	}
	if p.Content == "" && p.FunctionCall == nil {
		return Message{}, ErrEmptyMessage
	}

	m := Message{
		id:        p.ID,
		role:      p.Role,
		content:   p.Content,
		name:      p.Name,
		createdAt: p.CreatedAt,
	}
	if m.id == "" {
		m.id = NewMessageID()
	}
	if m.createdAt.IsZero() {
		m.createdAt = time.Now().UTC()
	}
	if p.FunctionCall != nil {
		fc := *p.FunctionCall
		m.functionCall = &fc
	}

	m.tokenCount = counter.Count(m.content)
	if m.functionCall != nil {
		data, err := json.Marshal(m.functionCall)
		if err != nil {
			return Message{}, fmt.Errorf("marshal function call: %w", err)
		}
		m.tokenCount += counter.Count(string(data))
	}
	return m, nil
}

func (m Message) ID() MessageID        { return m.id }
func (m Message) Role() Role           { return m.role }
func (m Message) Content() string      { return m.content }
func (m Message) Name() string         { return m.name }
func (m Message) TokenCount() int      { return m.tokenCount }
func (m Message) CreatedAt() time.Time { return m.createdAt }

// FunctionCall returns a copy of the message's function call, or nil.
func (m Message) FunctionCall() *FunctionCall {
	if m.functionCall == nil {
		return nil
	}
	fc := *m.functionCall
	return &fc
}

// Note is a piece of long-term memory the assistant keeps about a user.
type Note struct {
	ID         NoteID    `json:"id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TokenCount int       `json:"n_tokens"`
	Distance   *float64  `json:"distance,omitempty"`
}

// NewNote builds a note owned by user that is kept until expiresAt.
func NewNote(counter TokenCounter, user UserID, content string, createdAt, expiresAt time.Time) (Note, error) {
	if !expiresAt.After(createdAt) {
		return Note{}, ErrInvalidLifetime
	}
	createdAt = createdAt.UTC()
	return Note{
		ID:         NewNoteID(user, content),
		Content:    content,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt.UTC(),
		TokenCount: counter.Count(content),
	}, nil
}
