// Package event defines the records that describe everything happening in a
// conversation, their wire format and their model-facing message view.
package event

import (
	"time"

	"github.com/user/hexe/internal/types"
)

type Type string

const (
	TypeUser           Type = "user"
	TypeAssistant      Type = "assistant"
	TypeFunctionCall   Type = "function_call"
	TypeFunctionOutput Type = "function_output"
	TypeStatus         Type = "status"
	TypeError          Type = "error"
	// TypeSystem marks corrective instructions written to history for the
	// model. System events are never broadcast.
	TypeSystem Type = "system"
)

// Event is implemented by every variant.
type Event interface {
	Type() Type
	Base() *Header
	// IsFinal reports whether the event is complete. Deltas are partial
	// updates to a logical event that is still open.
	IsFinal() bool
}

// Header carries the fields shared by all variants.
type Header struct {
	ID        types.EventID
	CreatedAt time.Time
	Delta     bool
}

func (h *Header) Base() *Header { return h }
func (h *Header) IsFinal() bool { return !h.Delta }

func newHeader(delta bool) Header {
	return Header{
		ID:        types.NewEventID(),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Delta:     delta,
	}
}

type User struct {
	Header
	Content string
}

type Assistant struct {
	Header
	// Source is the id of the message being built.
	Source  types.MessageID
	Content string
}

type FunctionCall struct {
	Header
	Source    types.MessageID
	Name      string
	Arguments string
}

type FunctionOutput struct {
	Header
	// Source is the message id of the function call that produced the output.
	Source  types.MessageID
	Name    string
	Content string
}

type Status struct {
	Header
	Source     types.MessageID
	Generating bool
}

type Error struct {
	Header
	Source  types.MessageID
	Content string
}

type System struct {
	Header
	Content string
}

func (*User) Type() Type           { return TypeUser }
func (*Assistant) Type() Type      { return TypeAssistant }
func (*FunctionCall) Type() Type   { return TypeFunctionCall }
func (*FunctionOutput) Type() Type { return TypeFunctionOutput }
func (*Status) Type() Type         { return TypeStatus }
func (*Error) Type() Type          { return TypeError }
func (*System) Type() Type         { return TypeSystem }

func NewUser(content string) *User {
	return &User{Header: newHeader(false), Content: content}
}

func NewAssistant(source types.MessageID, content string, delta bool) *Assistant {
	return &Assistant{Header: newHeader(delta), Source: source, Content: content}
}

func NewFunctionCall(source types.MessageID, name, arguments string, delta bool) *FunctionCall {
	return &FunctionCall{Header: newHeader(delta), Source: source, Name: name, Arguments: arguments}
}

func NewFunctionOutput(source types.MessageID, name, content string, delta bool) *FunctionOutput {
	return &FunctionOutput{Header: newHeader(delta), Source: source, Name: name, Content: content}
}

func NewStatus(source types.MessageID, generating bool) *Status {
	return &Status{Header: newHeader(false), Source: source, Generating: generating}
}

func NewError(source types.MessageID, content string) *Error {
	return &Error{Header: newHeader(false), Source: source, Content: content}
}

func NewSystem(content string) *System {
	return &System{Header: newHeader(false), Content: content}
}

// Broadcastable reports whether ev may be delivered to subscribers.
func Broadcastable(ev Event) bool {
	return ev.Type() != TypeSystem
}

// Persistable reports whether ev belongs in conversation history.
func Persistable(ev Event) bool {
	return ev.IsFinal() && ev.Type() != TypeStatus
}
