// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns the per-connection chat state machine.
//
// Each WebSocket connection gets one Manager. Inbound frames are dispatched
// by type; a streaming turn runs in its own goroutine so PING keeps being
// answered while the model generates. All outbound frames go through the
// connection's FrameWriter, which serializes writes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playlistiq/playlistiq/services/gateway/catalogue"
	"github.com/playlistiq/playlistiq/services/gateway/datatypes"
	"github.com/playlistiq/playlistiq/services/gateway/observability"
	"github.com/playlistiq/playlistiq/services/gateway/suggest"
	"github.com/playlistiq/playlistiq/services/llm"
)

// =============================================================================
// States
// =============================================================================

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateStreaming
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// FrameWriter sends one envelope to the client. Implementations serialize
// writes and fail fast once the socket is closed.
type FrameWriter interface {
	WriteFrame(env datatypes.Envelope) error
}

// CatalogueReader is the read-only playlist lookup (see catalogue.Reader).
type CatalogueReader interface {
	FetchPlaylistVideos(ctx context.Context, playlistID string) ([]datatypes.Video, error)
}

// Chat is one primed chat handle (see llm.ChatSession).
type Chat interface {
	Stream(ctx context.Context, userText string, callback llm.StreamCallback) error
}

// ChatStarter opens a chat handle primed with the catalogue for the given
// model id.
type ChatStarter func(modelID, catalogueJSON string) (Chat, error)

// =============================================================================
// Manager
// =============================================================================

// Config tunes per-session behaviour.
type Config struct {
	// DefaultModel is used when INIT_CHAT omits a model id.
	DefaultModel string

	// TurnTimeout caps one streaming turn wall-clock; zero disables.
	TurnTimeout time.Duration
}

// Manager is the state machine bound to one socket. HandleFrame is called
// from the connection's read loop; the mutex exists because a streaming turn
// overlaps with PING handling and disconnects.
type Manager struct {
	id        string
	catalogue CatalogueReader
	startChat ChatStarter
	writer    FrameWriter
	cfg       Config

	mu           sync.Mutex
	state        State
	playlistID   string
	modelID      string
	videos       []datatypes.Video
	chat         Chat
	lastActivity time.Time
	cancelTurn   context.CancelFunc
}

// New creates an IDLE session bound to writer.
func New(catalogue CatalogueReader, startChat ChatStarter, writer FrameWriter, cfg Config) *Manager {
	return &Manager{
		id:           uuid.New().String(),
		catalogue:    catalogue,
		startChat:    startChat,
		writer:       writer,
		cfg:          cfg,
		state:        StateIdle,
		lastActivity: time.Now(),
	}
}

// ID returns the session's correlation id.
func (m *Manager) ID() string { return m.id }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IdleFor reports how long ago the client last sent a frame.
func (m *Manager) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

// Close tears the session down: any in-flight stream is cancelled and the
// chat handle released. Idempotent; CLOSED is terminal.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	if m.cancelTurn != nil {
		m.cancelTurn()
		m.cancelTurn = nil
	}
	m.chat = nil
	m.videos = nil
	m.state = StateClosed
	slog.Info("session closed", "sessionID", m.id)
}

// =============================================================================
// Frame Dispatch
// =============================================================================

// HandleFrame dispatches one inbound envelope. Unknown or malformed frames
// yield an ERROR frame and leave the socket open.
func (m *Manager) HandleFrame(ctx context.Context, env datatypes.Envelope) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.lastActivity = time.Now()
	m.mu.Unlock()

	switch env.Type {
	case datatypes.FramePing:
		m.writeFrame(datatypes.Envelope{Type: datatypes.FramePong})
	case datatypes.FrameInitChat:
		m.handleInit(ctx, env.Payload)
	case datatypes.FrameUserQuery:
		m.handleQuery(ctx, env.Payload)
	default:
		slog.Warn("unknown frame type", "sessionID", m.id, "type", env.Type)
		m.writeError(datatypes.CodeBadFrame, fmt.Sprintf("unknown frame type %q", env.Type))
	}
}

// =============================================================================
// INIT_CHAT
// =============================================================================

// handleInit builds (or rebuilds) the playlist-scoped chat. Re-issuing
// INIT_CHAT releases the previous chat handle and snapshots the possibly new
// playlist; it is the only frame accepted from FAILED.
func (m *Manager) handleInit(ctx context.Context, payload json.RawMessage) {
	var p datatypes.InitChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.writeError(datatypes.CodeBadFrame, "INIT_CHAT payload is not valid JSON")
		return
	}
	if err := p.Validate(); err != nil {
		m.writeError(datatypes.CodeBadFrame, "INIT_CHAT payload rejected: playlistId is required")
		return
	}

	m.mu.Lock()
	if m.state == StateInitializing || m.state == StateStreaming {
		m.mu.Unlock()
		m.writeError(datatypes.CodeBusy, "another operation is in progress")
		return
	}
	m.state = StateInitializing
	m.chat = nil
	m.videos = nil
	m.mu.Unlock()

	slog.Info("initializing chat", "sessionID", m.id, "playlistId", p.PlaylistID)

	videos, err := m.catalogue.FetchPlaylistVideos(ctx, p.PlaylistID)
	if err != nil {
		m.failInit(catalogueErrorCode(err), err)
		return
	}

	catalogueJSON, err := json.MarshalIndent(videos, "", "  ")
	if err != nil {
		m.failInit(datatypes.CodeInternal, err)
		return
	}

	modelID := p.ModelID
	if modelID == "" {
		modelID = m.cfg.DefaultModel
	}
	chat, err := m.startChat(modelID, string(catalogueJSON))
	if err != nil {
		m.failInit(llmErrorCode(err), err)
		return
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateReady
	m.playlistID = p.PlaylistID
	m.modelID = modelID
	m.videos = videos
	m.chat = chat
	m.mu.Unlock()

	slog.Info("chat initialized", "sessionID", m.id, "playlistId", p.PlaylistID,
		"modelId", modelID, "videos", len(videos))
	m.writePayload(datatypes.FrameChatInitialized, datatypes.ChatInitializedPayload{
		PlaylistID: p.PlaylistID,
		ModelID:    modelID,
	})
}

// failInit reports an INIT failure and parks the session in FAILED, from
// which only a fresh INIT_CHAT is accepted.
func (m *Manager) failInit(code string, err error) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.state = StateFailed
	}
	m.mu.Unlock()
	slog.Warn("chat initialization failed", "sessionID", m.id, "code", code, "error", err)
	m.writeError(code, humanMessage(code, err))
}

// =============================================================================
// USER_QUERY
// =============================================================================

// handleQuery starts one streaming turn. The turn runs in its own goroutine;
// the session stays responsive to PING and rejects concurrent queries.
func (m *Manager) handleQuery(ctx context.Context, payload json.RawMessage) {
	var p datatypes.UserQueryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.writeError(datatypes.CodeBadFrame, "USER_QUERY payload is not valid JSON")
		return
	}
	if err := p.Validate(); err != nil {
		m.writeError(datatypes.CodeBadFrame, "USER_QUERY payload rejected: query is required and limited to 32KB")
		return
	}

	m.mu.Lock()
	switch m.state {
	case StateStreaming:
		m.mu.Unlock()
		m.writeError(datatypes.CodeBusy, "a streaming turn is already in progress")
		return
	case StateReady:
		// proceed
	default:
		state := m.state
		m.mu.Unlock()
		m.writeError(datatypes.CodeNotReady, fmt.Sprintf("USER_QUERY is not valid in state %s; send INIT_CHAT first", state))
		return
	}
	m.state = StateStreaming
	chat := m.chat
	videos := m.videos

	turnCtx := context.Background()
	var cancel context.CancelFunc
	if m.cfg.TurnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(turnCtx, m.cfg.TurnTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(turnCtx)
	}
	m.cancelTurn = cancel
	m.mu.Unlock()

	go m.runTurn(turnCtx, cancel, chat, videos, p.Query)
}

// runTurn drives one model turn: relay fragments as STREAM_CHUNK frames,
// then parse, resolve and emit exactly one STREAM_END, or one ERROR. The
// session stays STREAMING until the turn's terminal frame is on the wire, so
// a follow-up query can never slot its chunks ahead of this turn's end.
func (m *Manager) runTurn(ctx context.Context, cancel context.CancelFunc,
	chat Chat, videos []datatypes.Video, query string) {

	defer cancel()
	started := time.Now()
	var raw strings.Builder
	var writeFailed bool

	err := chat.Stream(ctx, query, func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken {
			return nil
		}
		raw.WriteString(event.Content)
		if werr := m.writePayload(datatypes.FrameStreamChunk, datatypes.StreamChunkPayload{TextChunk: event.Content}); werr != nil {
			writeFailed = true
			return werr
		}
		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.ChunksRelayedTotal.Inc()
		}
		return nil
	})

	m.mu.Lock()
	if m.state == StateClosed {
		// Socket went away mid-turn; partial results are discarded.
		m.mu.Unlock()
		m.recordTurn(observability.TurnError, started)
		return
	}
	m.cancelTurn = nil
	m.mu.Unlock()

	switch {
	case err == nil:
		suggestions := suggest.ExtractSuggestions(raw.String())
		answer, enriched := suggest.Resolve(raw.String(), suggestions, videos)
		m.writePayload(datatypes.FrameStreamEnd, datatypes.StreamEndPayload{
			Answer:          answer,
			SuggestedVideos: enriched,
		})
		m.finishTurn(StateReady)
		slog.Info("streaming turn finished", "sessionID", m.id,
			"suggestions", len(enriched), "rawBytes", raw.Len())
		m.recordTurn(observability.TurnSuccess, started)

	case writeFailed:
		// The socket write already failed; emitting more frames is pointless.
		// The read loop observes the dead socket and closes the session, but
		// the state machine must not linger in STREAMING meanwhile.
		m.finishTurn(StateFailed)
		slog.Info("streaming turn abandoned on write failure", "sessionID", m.id)
		m.recordTurn(observability.TurnError, started)

	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("streaming turn timed out", "sessionID", m.id, "timeout", m.cfg.TurnTimeout)
		m.writeError(datatypes.CodeTimeout, "the model did not finish in time; please retry")
		m.finishTurn(StateReady)
		m.recordTurn(observability.TurnTimeout, started)

	case errors.Is(err, context.Canceled):
		// Close() cancelled the turn; nothing to report.
		m.finishTurn(StateReady)
		m.recordTurn(observability.TurnError, started)

	default:
		code := llmErrorCode(err)
		slog.Warn("streaming turn failed", "sessionID", m.id, "code", code,
			"recoverable", llm.Recoverable(err), "error", err)
		m.writeError(code, humanMessage(code, err))
		if llm.Recoverable(err) {
			m.finishTurn(StateReady)
		} else {
			m.finishTurn(StateFailed)
		}
		m.recordTurn(observability.TurnError, started)
	}
}

// finishTurn releases the STREAMING state once the turn's terminal frame has
// been written. CLOSED is terminal and never overwritten; FAILED drops the
// chat handle so only a fresh INIT_CHAT revives the session.
func (m *Manager) finishTurn(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.state = next
	if next == StateFailed {
		m.chat = nil
	}
}

func (m *Manager) recordTurn(status string, started time.Time) {
	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.RecordTurn(status, time.Since(started).Seconds())
	}
}

// =============================================================================
// Outbound Frames
// =============================================================================

func (m *Manager) writeFrame(env datatypes.Envelope) error {
	err := m.writer.WriteFrame(env)
	if err == nil {
		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.RecordFrame(observability.DirectionOutbound, env.Type)
		}
	}
	return err
}

func (m *Manager) writePayload(frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.writeFrame(datatypes.Envelope{Type: frameType, Payload: raw})
}

func (m *Manager) writeError(code, message string) {
	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.RecordError(code)
	}
	_ = m.writeFrame(datatypes.ErrorFrame(code, message))
}

// =============================================================================
// Error Mapping
// =============================================================================

func catalogueErrorCode(err error) string {
	switch {
	case errors.Is(err, catalogue.ErrEmpty):
		return datatypes.CodePlaylistEmpty
	case errors.Is(err, catalogue.ErrUnavailable):
		return datatypes.CodeCatalogueUnavailable
	default:
		return datatypes.CodeInternal
	}
}

func llmErrorCode(err error) string {
	switch {
	case errors.Is(err, llm.ErrRefused):
		return datatypes.CodeLLMRefused
	case errors.Is(err, llm.ErrProtocol):
		return datatypes.CodeLLMProtocol
	case errors.Is(err, llm.ErrUnavailable):
		return datatypes.CodeLLMUnavailable
	default:
		return datatypes.CodeInternal
	}
}

// humanMessage renders a client-facing message for an error code. INTERNAL
// hides the cause behind a short correlation id that also lands in the log.
func humanMessage(code string, err error) string {
	switch code {
	case datatypes.CodeCatalogueUnavailable:
		return "the video catalogue is currently unavailable"
	case datatypes.CodePlaylistEmpty:
		return "this playlist has no videos to chat about"
	case datatypes.CodeLLMUnavailable:
		return "the AI backend is currently unavailable"
	case datatypes.CodeLLMRefused:
		return "the AI backend declined to answer this request"
	case datatypes.CodeLLMProtocol:
		return "the AI backend returned an unusable response; please re-initialize the chat"
	default:
		ref := uuid.New().String()[:8]
		slog.Error("internal gateway error", "ref", ref, "error", err)
		return fmt.Sprintf("internal error (ref %s)", ref)
	}
}
