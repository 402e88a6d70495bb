// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Frame Types
// =============================================================================

// Client -> server frame types.
const (
	FrameInitChat  = "INIT_CHAT"
	FrameUserQuery = "USER_QUERY"
	FramePing      = "PING"
)

// Server -> client frame types.
const (
	FrameChatInitialized = "CHAT_INITIALIZED"
	FrameStreamChunk     = "STREAM_CHUNK"
	FrameStreamEnd       = "STREAM_END"
	FramePong            = "PONG"
	FrameError           = "ERROR"
)

// =============================================================================
// Error Codes
// =============================================================================

// Error codes surfaced to clients in ERROR frames.
const (
	CodeBadFrame             = "BAD_FRAME"
	CodeNotReady             = "NOT_READY"
	CodeBusy                 = "BUSY"
	CodeCatalogueUnavailable = "CATALOGUE_UNAVAILABLE"
	CodePlaylistEmpty        = "PLAYLIST_EMPTY"
	CodeLLMUnavailable       = "LLM_UNAVAILABLE"
	CodeLLMRefused           = "LLM_REFUSED"
	CodeLLMProtocol          = "LLM_PROTOCOL"
	CodeTimeout              = "TIMEOUT"
	CodeInternal             = "INTERNAL"
)

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the JSON frame exchanged over the WebSocket in both directions.
// Type is required; Payload carries the type-specific body. Error and Code
// are only set on ERROR frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// ErrorFrame builds an ERROR envelope with a human message and machine code.
func ErrorFrame(code, message string) Envelope {
	return Envelope{Type: FrameError, Error: message, Code: code}
}

// =============================================================================
// Validation
// =============================================================================

const (
	// MaxQueryBytes is the maximum size of a single user query.
	// Checked as bytes, not runes, to bound memory regardless of encoding.
	MaxQueryBytes = 32 * 1024 // 32KB

	// MaxIDBytes bounds playlist and model identifiers.
	MaxIDBytes = 512
)

// frameValidate is the shared validator for frame payloads.
var frameValidate *validator.Validate

func init() {
	frameValidate = validator.New()
	_ = frameValidate.RegisterValidation("maxbytes", validateMaxQueryBytes)
}

func validateMaxQueryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// =============================================================================
// Client Payloads
// =============================================================================

// InitChatPayload is the body of an INIT_CHAT frame. ModelID is optional;
// the server substitutes its configured default when empty.
type InitChatPayload struct {
	PlaylistID string `json:"playlistId" validate:"required,max=512"`
	ModelID    string `json:"modelId,omitempty" validate:"max=512"`
}

// Validate checks the payload against its field rules.
func (p *InitChatPayload) Validate() error {
	return frameValidate.Struct(p)
}

// UserQueryPayload is the body of a USER_QUERY frame.
type UserQueryPayload struct {
	Query string `json:"query" validate:"required,maxbytes"`
}

// Validate checks the payload against its field rules.
func (p *UserQueryPayload) Validate() error {
	return frameValidate.Struct(p)
}

// =============================================================================
// Server Payloads
// =============================================================================

// ChatInitializedPayload acknowledges a successful INIT_CHAT. ModelID echoes
// the model actually in use, after defaulting.
type ChatInitializedPayload struct {
	PlaylistID string `json:"playlistId"`
	ModelID    string `json:"modelId"`
}

// StreamChunkPayload relays one raw text fragment from the model.
type StreamChunkPayload struct {
	TextChunk string `json:"textChunk"`
}

// StreamEndPayload closes out one streaming turn with the resolved result.
// SuggestedVideos is always present, possibly empty.
type StreamEndPayload struct {
	Answer          string               `json:"answer"`
	SuggestedVideos []EnrichedSuggestion `json:"suggestedVideos"`
}
