// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("playlistiq.llm.openai")

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint. One instance is shared by all sessions.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client from the environment. LLM_API_KEY is
// required; LLM_BASE_URL optionally points at a compatible self-hosted
// endpoint.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		slog.Error("LLM_API_KEY environment variable not set")
		return nil, fmt.Errorf("LLM_API_KEY environment variable not set")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
		slog.Info("Using custom LLM endpoint", "base_url", baseURL)
	}
	cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}, nil
}

// NewOpenAIClientWithConfig builds a client from an explicit go-openai
// config. Used by tests to point at a mock server.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// ChatStream implements Client. Fragments are forwarded to callback in
// arrival order; the call returns once the stream is drained or aborted.
func (o *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
		if req.Temperature == 0 {
			// go-openai omits a zero temperature from the wire payload; the
			// smallest representable value still pins decoding deterministic.
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSONResponse {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyRequestError(ctx, err)
	}
	defer stream.Close()

	fragments := 0
	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			span.RecordError(recvErr)
			span.SetStatus(codes.Error, recvErr.Error())
			return classifyStreamError(ctx, recvErr)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason == openai.FinishReasonContentFilter {
			slog.Warn("LLM stopped generation on content filter", "model", model)
			span.SetStatus(codes.Error, "content filter stop")
			return fmt.Errorf("generation stopped by provider safety filter: %w", ErrRefused)
		}
		if choice.Delta.Content == "" {
			continue
		}
		fragments++
		if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); cbErr != nil {
			slog.Debug("stream consumer aborted", "model", model, "error", cbErr)
			return cbErr
		}
	}

	span.SetAttributes(attribute.Int("llm.fragments", fragments))
	return callback(StreamEvent{Type: StreamEventDone})
}

// classifyRequestError maps a failure to open the stream onto the sentinel
// error kinds. Context cancellation passes through untouched so the caller
// can tell timeout from fault.
func classifyRequestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusBadRequest && apiErr.Code == "content_filter" {
			return fmt.Errorf("provider rejected the request: %w", ErrRefused)
		}
		return fmt.Errorf("provider returned status %d: %w", apiErr.HTTPStatusCode, ErrUnavailable)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("provider returned status %d: %w", reqErr.HTTPStatusCode, ErrUnavailable)
	}
	return fmt.Errorf("failed to reach llm backend: %w: %w", ErrUnavailable, err)
}

// classifyStreamError maps a mid-stream Recv failure. Context cancellation
// passes through untouched so the caller can tell timeout from fault.
func classifyStreamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("provider failed mid-stream with status %d: %w", apiErr.HTTPStatusCode, ErrUnavailable)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("stream truncated by provider: %w", ErrUnavailable)
	}
	return fmt.Errorf("could not decode provider stream payload: %w", ErrProtocol)
}
