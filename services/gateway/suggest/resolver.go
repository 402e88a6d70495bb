// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package suggest

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/playlistiq/playlistiq/services/gateway/datatypes"
)

// Answer texts returned alongside resolved suggestions. Exact wording is
// part of the client contract.
const (
	AnswerFound      = "Based on your query, I found these videos:"
	AnswerUnmatched  = "The AI returned data but no matching videos were found or the format was unexpected."
	AnswerNoResponse = "Could not find any videos matching your query in this playlist."
)

// Resolve joins the parsed suggestions against the session's catalogue
// snapshot. Suggestions naming a video outside the snapshot are dropped;
// order is preserved. rawText is the full model output for the turn and only
// steers the answer wording on empty results.
func Resolve(rawText string, suggestions []datatypes.Suggestion,
	videos []datatypes.Video) (string, []datatypes.EnrichedSuggestion) {

	index := make(map[string]datatypes.Video, len(videos))
	for _, v := range videos {
		index[v.VideoID] = v
	}

	enriched := []datatypes.EnrichedSuggestion{}
	for _, s := range suggestions {
		video, ok := index[s.VideoID]
		if !ok {
			slog.Info("dropping suggestion for unknown video", "videoId", s.VideoID)
			continue
		}
		enriched = append(enriched, datatypes.EnrichedSuggestion{
			Video:    video,
			Duration: FormatDuration(video.DurationSeconds),
			Reason:   s.Reason,
		})
	}

	switch {
	case len(enriched) > 0:
		return AnswerFound, enriched
	case strings.TrimSpace(rawText) != "":
		return AnswerUnmatched, enriched
	default:
		return AnswerNoResponse, enriched
	}
}

// FormatDuration renders a second count as HH:MM:SS when hours are present,
// MM:SS otherwise. Negative input degrades to "00:00".
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		return "00:00"
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
