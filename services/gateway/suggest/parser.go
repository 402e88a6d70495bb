// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package suggest turns raw model output into validated video suggestions.
//
// The parser half (this file) is a pure function from noisy streamed text to
// a list of Suggestion values. It is the most fragile surface of the gateway
// and is deliberately free of I/O so it can be fuzzed in isolation. The
// resolver half (resolver.go) joins suggestions against the catalogue.
package suggest

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/playlistiq/playlistiq/services/gateway/datatypes"
)

// ExtractSuggestions scans rawText for JSON objects exposing a
// "suggestedVideos" array and concatenates their entries in document order.
//
// The model may hand back a clean object, an object inside a fenced code
// block, several concatenated objects, or an object buried in prose; all are
// tolerated. Items without a videoId are dropped. The function never fails:
// on totally unusable input it returns an empty slice.
func ExtractSuggestions(rawText string) []datatypes.Suggestion {
	s := stripControlChars(rawText)
	s = stripCodeFence(s)

	suggestions := []datatypes.Suggestion{}
	for {
		candidate, rest, found := nextBalancedObject(s)
		if !found {
			break
		}
		s = rest

		var obj struct {
			SuggestedVideos []datatypes.Suggestion `json:"suggestedVideos"`
		}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			slog.Debug("skipping unparseable candidate object", "error", err, "bytes", len(candidate))
			continue
		}
		if obj.SuggestedVideos == nil {
			slog.Debug("skipping object without suggestedVideos array", "bytes", len(candidate))
			continue
		}
		for _, item := range obj.SuggestedVideos {
			if item.VideoID == "" {
				slog.Debug("dropping suggestion without videoId")
				continue
			}
			suggestions = append(suggestions, item)
		}
	}
	return suggestions
}

// stripControlChars removes C0 and C1 control characters except tab, LF and
// CR. Models occasionally leak raw control bytes into otherwise valid JSON.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return -1
		}
		return r
	}, s)
}

// stripCodeFence removes a leading ```json (or bare ```) fence line and the
// last closing ``` if present. Anything outside the fence survives; the
// balanced-object scan discards it later.
func stripCodeFence(s string) string {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if strings.HasPrefix(trimmed, "```") {
		if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
			s = trimmed[nl+1:]
		} else {
			s = strings.TrimPrefix(strings.TrimPrefix(trimmed, "```json"), "```")
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx] + s[idx+3:]
		}
	}
	return s
}

// nextBalancedObject locates the next '{' and walks forward counting brace
// depth until it closes. It returns the balanced substring, the tail after
// it, and whether one was found. An unbalanced tail ends the scan.
func nextBalancedObject(s string) (candidate, rest string, found bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], s[i+1:], true
			}
		}
	}
	return "", "", false
}
