package event

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/user/hexe/internal/types"
)

// wire is the serialized form shared by all variants.
type wire struct {
	Type       Type          `json:"type"`
	ID         types.EventID `json:"id"`
	CreatedAt  float64       `json:"created_at"`
	Delta      bool          `json:"delta"`
	Source     *string       `json:"source,omitempty"`
	Name       *string       `json:"name,omitempty"`
	Content    *string       `json:"content,omitempty"`
	Arguments  *string       `json:"arguments,omitempty"`
	Generating *bool         `json:"generating,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromUnixSeconds(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6))).UTC()
}

// Marshal encodes ev in its wire format.
func Marshal(ev Event) ([]byte, error) {
	h := ev.Base()
	w := wire{
		Type:      ev.Type(),
		ID:        h.ID,
		CreatedAt: unixSeconds(h.CreatedAt),
		Delta:     h.Delta,
	}
	switch e := ev.(type) {
	case *User:
		w.Content = ptr(e.Content)
	case *Assistant:
		w.Source = ptr(string(e.Source))
		w.Content = ptr(e.Content)
	case *FunctionCall:
		w.Source = ptr(string(e.Source))
		w.Name = ptr(e.Name)
		w.Arguments = ptr(e.Arguments)
	case *FunctionOutput:
		w.Source = ptr(string(e.Source))
		w.Name = ptr(e.Name)
		w.Content = ptr(e.Content)
	case *Status:
		w.Source = ptr(string(e.Source))
		w.Generating = ptr(e.Generating)
	case *Error:
		w.Source = ptr(string(e.Source))
		w.Content = ptr(e.Content)
	case *System:
		w.Content = ptr(e.Content)
	default:
		return nil, fmt.Errorf("marshal event: unsupported type %T", ev)
	}
	return json.Marshal(w)
}

func (e *User) MarshalJSON() ([]byte, error)           { return Marshal(e) }
func (e *Assistant) MarshalJSON() ([]byte, error)      { return Marshal(e) }
func (e *FunctionCall) MarshalJSON() ([]byte, error)   { return Marshal(e) }
func (e *FunctionOutput) MarshalJSON() ([]byte, error) { return Marshal(e) }
func (e *Status) MarshalJSON() ([]byte, error)         { return Marshal(e) }
func (e *Error) MarshalJSON() ([]byte, error)          { return Marshal(e) }
func (e *System) MarshalJSON() ([]byte, error)         { return Marshal(e) }

// Decode parses the wire format produced by Marshal.
func Decode(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	h := Header{ID: w.ID, CreatedAt: fromUnixSeconds(w.CreatedAt), Delta: w.Delta}
	if h.ID == "" {
		h.ID = types.NewEventID()
	}
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	source := types.MessageID(str(w.Source))

	switch w.Type {
	case TypeUser:
		h.Delta = false
		return &User{Header: h, Content: str(w.Content)}, nil
	case TypeAssistant:
		return &Assistant{Header: h, Source: source, Content: str(w.Content)}, nil
	case TypeFunctionCall:
		return &FunctionCall{Header: h, Source: source, Name: str(w.Name), Arguments: str(w.Arguments)}, nil
	case TypeFunctionOutput:
		return &FunctionOutput{Header: h, Source: source, Name: str(w.Name), Content: str(w.Content)}, nil
	case TypeStatus:
		h.Delta = false
		return &Status{Header: h, Source: source, Generating: w.Generating != nil && *w.Generating}, nil
	case TypeError:
		h.Delta = false
		return &Error{Header: h, Source: source, Content: str(w.Content)}, nil
	case TypeSystem:
		h.Delta = false
		return &System{Header: h, Content: str(w.Content)}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", w.Type)
	}
}
