package llm

import "encoding/json"

// Message represents a chat message in a conversation.
type Message struct {
	Role         string        `json:"role"`
	Content      *string       `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// Text builds a message carrying only content.
func Text(role, content string) Message {
	return Message{Role: role, Content: &content}
}

// FunctionCall contains the function name and arguments requested by the model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Function describes a callable function including its parameters schema.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a chat completion request.
type Request struct {
	Messages  []Message
	Functions []Function
	// User identifies the end user to the provider.
	User string
}

type FinishReason string

const (
	FinishStop         FinishReason = "stop"
	FinishLength       FinishReason = "length"
	FinishFunctionCall FinishReason = "function_call"
)

// Chunk is one incremental update of a streamed completion. A chunk carries
// at most one of Content and FunctionCall. The last chunk of a well-formed
// stream carries FinishReason; a failed stream ends with Err.
type Chunk struct {
	Content      string
	FunctionCall *FunctionCall
	FinishReason FinishReason
	Err          error
}
