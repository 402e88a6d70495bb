// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var sessionTracer = otel.Tracer("playlistiq.llm.session")

// DefaultSystemPreamble is the schema directive seeded as the first history
// turn of every chat. It fixes the reply contract the recovery parser and
// resolver depend on, including the empty-array fallback.
const DefaultSystemPreamble = `You are a video playlist assistant. You will ` +
	`receive a list of videos in JSON format, then user questions about them. ` +
	`Always answer with a single JSON object of the form ` +
	`{"suggestedVideos": [{"videoId": "<id from the list>", "reason": "<why this video matches>"}]} ` +
	`and nothing else. Only reference videoId values that appear in the list. ` +
	`If no videos match, answer {"suggestedVideos": []}.`

// primerAck is the short model acknowledgement seeded between the system
// directive and the catalogue turn.
const primerAck = `Understood. I will reply with a single JSON object in the ` +
	`agreed format, using only video IDs from the provided list.`

// cataloguePrefix labels the seeded user turn carrying the catalogue.
const cataloguePrefix = "Video List (JSON format):\n"

// ChatSession is the opaque per-connection chat handle. It owns the message
// history, so the catalogue is sent once at start and never resent.
//
// A session has at most one streaming turn in flight; the session manager
// enforces that, and the internal mutex keeps history consistent even if it
// slips.
type ChatSession struct {
	client Client
	model  string
	params GenerationParams

	mu       sync.Mutex
	messages []Message
	poisoned bool
}

// StartChat creates a chat handle primed with three history turns, in order:
// the system schema directive, a short assistant acknowledgement, and a user
// turn carrying the catalogue JSON. Decoding is pinned deterministic and the
// provider is hinted to reply with JSON.
func StartChat(client Client, model, systemPreamble, catalogueJSON string) *ChatSession {
	if systemPreamble == "" {
		systemPreamble = DefaultSystemPreamble
	}
	var zero float32
	return &ChatSession{
		client: client,
		model:  model,
		params: GenerationParams{
			Temperature:  &zero,
			JSONResponse: true,
		},
		messages: []Message{
			{Role: RoleSystem, Content: systemPreamble},
			{Role: RoleAssistant, Content: primerAck},
			{Role: RoleUser, Content: cataloguePrefix + catalogueJSON},
		},
	}
}

// Model returns the model id this session was started with.
func (s *ChatSession) Model() string {
	return s.model
}

// Stream sends userText as the next user turn and relays the assistant reply
// through callback fragment by fragment. On success the full reply is folded
// into the history so later turns see it. On failure the user turn is rolled
// back; if the failure is not recoverable (see Recoverable) the handle is
// poisoned and every later call fails fast.
func (s *ChatSession) Stream(ctx context.Context, userText string, callback StreamCallback) error {
	ctx, span := sessionTracer.Start(ctx, "ChatSession.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", s.model))

	s.mu.Lock()
	if s.poisoned {
		s.mu.Unlock()
		span.SetStatus(codes.Error, "session poisoned")
		return ErrProtocol
	}
	s.messages = append(s.messages, Message{Role: RoleUser, Content: userText})
	history := make([]Message, len(s.messages))
	copy(history, s.messages)
	s.mu.Unlock()

	var reply strings.Builder
	err := s.client.ChatStream(ctx, s.model, history, s.params, func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			reply.WriteString(event.Content)
		}
		return callback(event)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// Drop the failed user turn so a recoverable retry starts clean.
		s.messages = s.messages[:len(s.messages)-1]
		if !Recoverable(err) {
			s.poisoned = true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("chat stream failed", "model", s.model, "error", err)
		return err
	}
	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: reply.String()})
	span.SetAttributes(attribute.Int("llm.reply_bytes", reply.Len()))
	return nil
}
