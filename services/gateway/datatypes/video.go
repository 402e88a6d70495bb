// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the video catalogue types. For the WebSocket frame
// envelope and payloads, see frames.go.
package datatypes

import "time"

// Video is one immutable record from the catalogue store. All fields except
// VideoID may be absent in the store; zero values stand in for missing data.
type Video struct {
	VideoID         string    `json:"videoId"`
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	DurationSeconds int64     `json:"durationSeconds,omitempty"`
	ViewCount       int64     `json:"viewCount,omitempty"`
	LikeCount       int64     `json:"likeCount,omitempty"`
	TopicCategories []string  `json:"topicCategories,omitempty"`
	PublishedAt     time.Time `json:"publishedAt,omitzero"`
	ThumbnailURL    string    `json:"thumbnailUrl,omitempty"`
	ChannelTitle    string    `json:"channelTitle,omitempty"`
}

// Suggestion is one LLM-produced pick. Items without a VideoID are rejected
// by the parser; unknown fields on the wire are ignored.
type Suggestion struct {
	VideoID string `json:"videoId"`
	Reason  string `json:"reason,omitempty"`
}

// EnrichedSuggestion joins a Suggestion against the catalogue snapshot:
// the matched Video plus a formatted duration and the LLM's reason.
type EnrichedSuggestion struct {
	Video
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}
