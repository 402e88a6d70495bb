// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
)

// sseHandler writes chat completion chunks the way an OpenAI-compatible
// endpoint streams them.
func sseHandler(t *testing.T, chunks []string, finishReason string, capture *openai.ChatCompletionRequest) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			payload := fmt.Sprintf(`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, c)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		if finishReason != "" {
			fmt.Fprintf(w, "data: %s\n\n",
				fmt.Sprintf(`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":%q}]}`, finishReason))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func clientFor(server *httptest.Server) *OpenAIClient {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = server.URL + "/v1"
	return NewOpenAIClientWithConfig(cfg)
}

func TestChatStream_RelaysFragmentsInOrder(t *testing.T) {
	t.Parallel()

	var captured openai.ChatCompletionRequest
	server := httptest.NewServer(sseHandler(t, []string{`{"sug`, `gested`, `Videos":[]}`}, "stop", &captured))
	defer server.Close()

	client := clientFor(server)
	var zero float32
	var gotTokens []string
	gotDone := false
	err := client.ChatStream(context.Background(), "test-model",
		[]Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hi"},
		},
		GenerationParams{Temperature: &zero, JSONResponse: true},
		func(event StreamEvent) error {
			switch event.Type {
			case StreamEventToken:
				if gotDone {
					t.Error("token event after done event")
				}
				gotTokens = append(gotTokens, event.Content)
			case StreamEventDone:
				gotDone = true
			}
			return nil
		})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if joined := strings.Join(gotTokens, ""); joined != `{"suggestedVideos":[]}` {
		t.Errorf("reassembled reply = %q", joined)
	}
	if !gotDone {
		t.Error("no done event observed")
	}

	// Request shape forwarded to the provider.
	if captured.Model != "test-model" {
		t.Errorf("model = %q", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", captured.Messages)
	}
	if captured.Temperature <= 0 {
		t.Errorf("temperature = %v, want a tiny positive value standing in for 0", captured.Temperature)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Errorf("response_format not set to json_object: %+v", captured.ResponseFormat)
	}
}

func TestChatStream_ContentFilterIsRefused(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(sseHandler(t, []string{"partial"}, "content_filter", nil))
	defer server.Close()

	err := clientFor(server).ChatStream(context.Background(), "m",
		[]Message{{Role: RoleUser, Content: "q"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
}

func TestChatStream_HTTPErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer server.Close()

	err := clientFor(server).ChatStream(context.Background(), "m",
		[]Message{{Role: RoleUser, Content: "q"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestChatStream_ContentFilterRejectionIsRefused(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"filtered","type":"invalid_request_error","code":"content_filter"}}`)
	}))
	defer server.Close()

	err := clientFor(server).ChatStream(context.Background(), "m",
		[]Message{{Role: RoleUser, Content: "q"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
}

func TestChatStream_UnreachableBackendIsUnavailable(t *testing.T) {
	t.Parallel()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = "http://127.0.0.1:1/v1" // nothing listens here
	client := NewOpenAIClientWithConfig(cfg)

	err := client.ChatStream(context.Background(), "m",
		[]Message{{Role: RoleUser, Content: "q"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestChatStream_DeadlineWhileConnectingSurfacesAsDeadline(t *testing.T) {
	t.Parallel()

	// The provider stalls before answering; the per-turn deadline fires while
	// the stream is still being opened.
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := clientFor(server).ChatStream(ctx, "m",
		[]Message{{Role: RoleUser, Content: "q"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("deadline expiry misclassified as ErrUnavailable: %v", err)
	}
}

func TestChatStream_CallbackErrorAbortsStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(sseHandler(t, []string{"a", "b", "c"}, "stop", nil))
	defer server.Close()

	abort := errors.New("consumer gone")
	seen := 0
	err := clientFor(server).ChatStream(context.Background(), "m",
		[]Message{{Role: RoleUser, Content: "q"}}, GenerationParams{},
		func(event StreamEvent) error {
			if event.Type == StreamEventToken {
				seen++
			}
			return abort
		})
	if !errors.Is(err, abort) {
		t.Fatalf("expected the callback error back, got %v", err)
	}
	if seen != 1 {
		t.Errorf("callback invoked %d times after aborting, want 1", seen)
	}
}

func TestNewOpenAIClient_RequiresAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")

	if _, err := NewOpenAIClient(); err == nil {
		t.Fatal("expected an error without LLM_API_KEY")
	}

	t.Setenv("LLM_API_KEY", "k")
	if _, err := NewOpenAIClient(); err != nil {
		t.Fatalf("unexpected error with LLM_API_KEY set: %v", err)
	}
}
