// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the streaming chat backend for the gateway.
//
// The gateway holds exactly one Client for the life of the process; chat
// state lives in per-connection ChatSession handles (see chat_session.go).
package llm

import (
	"context"
	"errors"
)

// Message is one turn of chat history sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerationParams carries decoding knobs for a chat request. Nil pointers
// mean "backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSONResponse hints the provider to emit a JSON object.
	JSONResponse bool `json:"json_response"`
}

// =============================================================================
// Streaming Callback Types
// =============================================================================

// StreamEventType discriminates StreamEvent values.
type StreamEventType int

const (
	// StreamEventToken carries one text fragment of model output.
	StreamEventToken StreamEventType = iota
	// StreamEventDone marks the end of a successful stream.
	StreamEventDone
)

// StreamEvent is one emission from a streaming chat call. Fragments may
// split anywhere, including inside tokens or JSON structure; callers must
// not assume any syntactic boundary.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives events in generation order. Returning a non-nil
// error aborts the stream promptly.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Client Interface
// =============================================================================

// Client is the provider-facing chat interface. Implementations must be safe
// for concurrent use: many sessions share one Client.
type Client interface {
	// ChatStream sends the full message history and streams the assistant
	// reply fragment by fragment through callback. It returns only after the
	// stream is drained, aborted, or failed.
	ChatStream(ctx context.Context, model string, messages []Message,
		params GenerationParams, callback StreamCallback) error
}

// =============================================================================
// Error Kinds
// =============================================================================

// Sentinel errors for the three upstream failure classes. Implementations
// wrap these so callers can classify with errors.Is.
var (
	// ErrUnavailable covers transport and provider-availability failures.
	ErrUnavailable = errors.New("llm backend unavailable")

	// ErrRefused is returned when the provider stops generation for a
	// safety or policy reason.
	ErrRefused = errors.New("llm refused the request")

	// ErrProtocol is returned on a malformed provider payload.
	ErrProtocol = errors.New("malformed llm payload")
)

// Recoverable reports whether a failed streaming turn may be retried on the
// same chat handle. Protocol corruption poisons the handle; transport and
// refusal errors do not.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrProtocol)
}
