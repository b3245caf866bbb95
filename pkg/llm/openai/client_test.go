package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/hexe/pkg/llm"
)

func TestOpenAIClientRequestFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify the request path: base_url includes /v1, client appends /chat/completions
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path '/v1/chat/completions', got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type 'application/json', got %q", r.Header.Get("Content-Type"))
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)

		if reqBody["model"] != "gpt-3.5-turbo" {
			t.Errorf("expected model 'gpt-3.5-turbo', got %v", reqBody["model"])
		}
		if reqBody["stream"] != true {
			t.Errorf("expected stream true, got %v", reqBody["stream"])
		}
		if reqBody["user"] != "alice" {
			t.Errorf("expected user 'alice', got %v", reqBody["user"])
		}
		functions, ok := reqBody["functions"].([]any)
		if !ok || len(functions) != 1 {
			t.Errorf("expected 1 function, got %v", reqBody["functions"])
		}
		messages, ok := reqBody["messages"].([]any)
		if !ok || len(messages) != 2 {
			t.Fatalf("expected 2 messages, got %v", reqBody["messages"])
		}
		call := messages[1].(map[string]any)
		if call["content"] != nil {
			t.Errorf("expected null content for function call message, got %v", call["content"])
		}
		if fc, ok := call["function_call"].(map[string]any); !ok || fc["name"] != "search_notes" {
			t.Errorf("expected function_call search_notes, got %v", call["function_call"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "test-key", Model: "gpt-3.5-turbo"})

	stream, err := client.Stream(context.Background(), llm.Request{
		Messages: []llm.Message{
			llm.Text("user", "test"),
			{Role: "assistant", FunctionCall: &llm.FunctionCall{Name: "search_notes", Arguments: `{"query":"x"}`}},
		},
		Functions: []llm.Function{{
			Name:        "search_notes",
			Description: "Search notes",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
		User: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, stream)
	if len(chunks) != 2 || chunks[0].Content != "ok" || chunks[1].FinishReason != llm.FinishStop {
		t.Errorf("unexpected chunks %+v", chunks)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "bad-key", Model: "gpt-3.5-turbo"})

	_, err := client.Stream(context.Background(), llm.Request{})
	if err == nil {
		t.Fatal("expected error for 401 stream response")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"stream":true`) {
			t.Errorf("expected stream request, got %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
}

func collect(t *testing.T, stream <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for c := range stream {
		out = append(out, c)
	}
	return out
}

func TestOpenAIClientStreamContent(t *testing.T) {
	server := sseServer(t,
		`{"choices":[{"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-3.5-turbo"})
	stream, err := client.Stream(context.Background(), llm.Request{})
	if err != nil {
		t.Fatal(err)
	}

	chunks := collect(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Content != "Hel" || chunks[1].Content != "lo" {
		t.Errorf("unexpected content chunks %+v", chunks[:2])
	}
	if chunks[2].FinishReason != llm.FinishStop {
		t.Errorf("expected stop, got %q", chunks[2].FinishReason)
	}
}

func TestOpenAIClientStreamFunctionCall(t *testing.T) {
	server := sseServer(t,
		`{"choices":[{"delta":{"role":"assistant","content":null,"function_call":{"name":"run_code","arguments":""}},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"function_call":{"arguments":"{\"language\":"}},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"function_call":{"arguments":"\"python\"}"}},"finish_reason":null}]}`,
		`{"choices":[{"delta":{},"finish_reason":"function_call"}]}`,
		`[DONE]`,
	)
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-3.5-turbo"})
	stream, err := client.Stream(context.Background(), llm.Request{})
	if err != nil {
		t.Fatal(err)
	}

	chunks := collect(t, stream)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if chunks[0].FunctionCall == nil || chunks[0].FunctionCall.Name != "run_code" {
		t.Errorf("expected function name in first chunk, got %+v", chunks[0])
	}
	args := chunks[1].FunctionCall.Arguments + chunks[2].FunctionCall.Arguments
	if args != `{"language":"python"}` {
		t.Errorf("unexpected arguments %q", args)
	}
	if chunks[3].FinishReason != llm.FinishFunctionCall {
		t.Errorf("expected function_call finish, got %q", chunks[3].FinishReason)
	}
}

func TestOpenAIClientStreamError(t *testing.T) {
	server := sseServer(t, `{"error":{"message":"overloaded"}}`)
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-3.5-turbo"})
	stream, err := client.Stream(context.Background(), llm.Request{})
	if err != nil {
		t.Fatal(err)
	}

	chunks := collect(t, stream)
	if len(chunks) != 1 || chunks[0].Err == nil {
		t.Fatalf("expected a single error chunk, got %+v", chunks)
	}
	if !strings.Contains(chunks[0].Err.Error(), "overloaded") {
		t.Errorf("unexpected error %v", chunks[0].Err)
	}
}

func TestOpenAIClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected /embeddings, got %s", r.URL.Path)
		}
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "text-embedding-3-small" || len(req.Input) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		// Out of order on purpose.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", EmbeddingModel: "text-embedding-3-small"})
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("expected vectors in input order, got %v", vectors)
	}
}

func TestOpenAIClientInterfaces(t *testing.T) {
	// Verify Client satisfies the llm interfaces at compile time.
	var _ llm.Provider = (*Client)(nil)
	var _ llm.Embedder = (*Client)(nil)
}
