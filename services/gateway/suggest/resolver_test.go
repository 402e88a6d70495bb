// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package suggest

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/playlistiq/playlistiq/services/gateway/datatypes"
)

func TestResolve_MatchEnriched(t *testing.T) {
	t.Parallel()

	videos := []datatypes.Video{
		{VideoID: "a", Title: "A", DurationSeconds: 75, ChannelTitle: "Chan"},
	}
	suggestions := []datatypes.Suggestion{{VideoID: "a", Reason: "match"}}

	answer, enriched := Resolve(`{"suggestedVideos":[...]}`, suggestions, videos)
	if answer != AnswerFound {
		t.Errorf("answer = %q, want %q", answer, AnswerFound)
	}
	if len(enriched) != 1 {
		t.Fatalf("expected 1 enriched suggestion, got %d", len(enriched))
	}
	got := enriched[0]
	if got.VideoID != "a" || got.Title != "A" || got.ChannelTitle != "Chan" {
		t.Errorf("video fields not carried over: %+v", got)
	}
	if got.Duration != "01:15" {
		t.Errorf("duration = %q, want 01:15", got.Duration)
	}
	if got.Reason != "match" {
		t.Errorf("reason = %q, want match", got.Reason)
	}
}

func TestResolve_OrderPreserved(t *testing.T) {
	t.Parallel()

	videos := []datatypes.Video{{VideoID: "a"}, {VideoID: "b"}, {VideoID: "c"}}
	suggestions := []datatypes.Suggestion{
		{VideoID: "c", Reason: "1"},
		{VideoID: "a", Reason: "2"},
		{VideoID: "b", Reason: "3"},
	}
	_, enriched := Resolve("raw", suggestions, videos)
	var order []string
	for _, e := range enriched {
		order = append(order, e.VideoID)
	}
	if strings.Join(order, ",") != "c,a,b" {
		t.Errorf("order = %v, want c,a,b", order)
	}
}

func TestResolve_UnknownDropped(t *testing.T) {
	t.Parallel()

	videos := []datatypes.Video{{VideoID: "a"}}
	suggestions := []datatypes.Suggestion{{VideoID: "ghost", Reason: "r"}}

	answer, enriched := Resolve(`{"suggestedVideos":[{"videoId":"ghost"}]}`, suggestions, videos)
	if len(enriched) != 0 {
		t.Fatalf("unknown id must be dropped, got %+v", enriched)
	}
	if answer != AnswerUnmatched {
		t.Errorf("answer = %q, want %q", answer, AnswerUnmatched)
	}
}

func TestResolve_EmptyRawText(t *testing.T) {
	t.Parallel()

	answer, enriched := Resolve("  \n ", nil, []datatypes.Video{{VideoID: "a"}})
	if len(enriched) != 0 {
		t.Fatalf("expected no suggestions, got %+v", enriched)
	}
	if answer != AnswerNoResponse {
		t.Errorf("answer = %q, want %q", answer, AnswerNoResponse)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "00:00"},
		{59, "00:59"},
		{60, "01:00"},
		{75, "01:15"},
		{599, "09:59"},
		{3599, "59:59"},
		{3600, "01:00:00"},
		{3661, "01:01:01"},
		{86399, "23:59:59"},
		{360000, "100:00:00"},
		{-5, "00:00"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d", tc.seconds), func(t *testing.T) {
			t.Parallel()
			if got := FormatDuration(tc.seconds); got != tc.want {
				t.Errorf("FormatDuration(%d) = %q, want %q", tc.seconds, got, tc.want)
			}
		})
	}
}

// TestFormatDuration_RoundTrip re-parses formatted durations back into
// seconds across a range of values.
func TestFormatDuration_RoundTrip(t *testing.T) {
	t.Parallel()

	parse := func(formatted string) int64 {
		parts := strings.Split(formatted, ":")
		var total int64
		for _, p := range parts {
			n, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				t.Fatalf("unparseable segment %q in %q", p, formatted)
			}
			total = total*60 + n
		}
		return total
	}

	for _, s := range []int64{0, 1, 59, 60, 61, 3599, 3600, 3601, 7199, 86399, 86400, 123456} {
		if got := parse(FormatDuration(s)); got != s {
			t.Errorf("round-trip of %d gave %d (formatted %q)", s, got, FormatDuration(s))
		}
	}
}
