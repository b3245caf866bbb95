package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/hexe/pkg/llm"
)

// requestTimeout bounds embedding requests. Streams are bounded by the
// caller's context only.
const requestTimeout = 60 * time.Second

// Client implements llm.Provider and llm.Embedder for OpenAI-compatible APIs
// using the functions calling format.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []llm.Message  `json:"messages"`
	Functions   []llm.Function `json:"functions,omitempty"`
	User        string         `json:"user,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float32       `json:"temperature,omitempty"`
}

// streamResponse is one server-sent chunk of a streamed completion.
type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content      *string `json:"content"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (c *Client) newChatRequest(req llm.Request, stream bool) chatRequest {
	body := chatRequest{
		Model:     c.config.Model,
		Messages:  req.Messages,
		Functions: req.Functions,
		User:      req.User,
		Stream:    stream,
	}
	if c.config.MaxTokens > 0 {
		body.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		body.Temperature = &temp
	}
	return body
}

// post sends body to path and returns the response when the status is 200.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Stream sends a streaming chat completion request. Chunks are delivered in
// the order the server sends them; the channel closes after [DONE], at end
// of body, or after a chunk carrying Err.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	resp, err := c.post(ctx, "/chat/completions", c.newChatRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(chunk llm.Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := readSSE(resp.Body, func(data string) (bool, error) {
			if data == "[DONE]" {
				return false, nil
			}
			var sr streamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				return false, fmt.Errorf("invalid stream json: %w", err)
			}
			if sr.Error != nil {
				return false, fmt.Errorf("stream error: %s", sr.Error.Message)
			}
			for _, choice := range sr.Choices {
				if d := choice.Delta.Content; d != nil && *d != "" {
					if !send(llm.Chunk{Content: *d}) {
						return false, ctx.Err()
					}
				}
				if fc := choice.Delta.FunctionCall; fc != nil {
					if !send(llm.Chunk{FunctionCall: &llm.FunctionCall{Name: fc.Name, Arguments: fc.Arguments}}) {
						return false, ctx.Err()
					}
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					if !send(llm.Chunk{FinishReason: llm.FinishReason(*choice.FinishReason)}) {
						return false, ctx.Err()
					}
				}
			}
			return true, nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			send(llm.Chunk{Err: err})
		}
	}()
	return ch, nil
}

// readSSE reads server-sent events from r and calls fn with the data of each
// event until fn returns false or the body ends.
func readSSE(r io.Reader, fn func(data string) (bool, error)) error {
	br := bufio.NewReader(r)
	var dataBuf strings.Builder

	flush := func() (bool, error) {
		raw := strings.TrimSpace(dataBuf.String())
		dataBuf.Reset()
		if raw == "" {
			return true, nil
		}
		return fn(raw)
	}

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			trim := strings.TrimRight(line, "\r\n")
			if trim == "" {
				// End of event
				more, ferr := flush()
				if ferr != nil || !more {
					return ferr
				}
			} else if strings.HasPrefix(trim, "data:") {
				if dataBuf.Len() > 0 {
					dataBuf.WriteString("\n")
				}
				dataBuf.WriteString(strings.TrimSpace(strings.TrimPrefix(trim, "data:")))
			}
		}
		if err != nil {
			if _, ferr := flush(); ferr != nil {
				return ferr
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one embedding vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	model := c.config.EmbeddingModel
	if model == "" {
		model = "text-embedding-ada-002"
	}
	resp, err := c.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("parsing embeddings: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(er.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
