// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalogue reads immutable video records from the catalogue store.
package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/playlistiq/playlistiq/services/gateway/datatypes"
)

var tracer = otel.Tracer("playlistiq.gateway.catalogue")

// videoClassName is the catalogue class holding Video records.
const videoClassName = "Video"

// Sentinel errors mapped to client-visible codes by the session manager.
var (
	// ErrUnavailable covers transport and permission failures at the store.
	ErrUnavailable = errors.New("catalogue store unavailable")

	// ErrEmpty is returned when the playlist has no videos.
	ErrEmpty = errors.New("playlist has no videos")
)

// Config tunes the reader.
type Config struct {
	// PlaylistField is the membership key filtered on. The stores in the
	// wild disagree on its name, so it stays configurable.
	PlaylistField string

	// MaxVideos caps how many videos an INIT snapshots. Zero means no cap;
	// when exceeded, the newest videos by publishedAt win deterministically.
	MaxVideos int
}

// DefaultPlaylistField is the membership key used when none is configured.
const DefaultPlaylistField = "associatedPlaylistIds"

// Reader fetches playlist-scoped video snapshots. Safe for concurrent use.
type Reader struct {
	client        *weaviate.Client
	playlistField string
	maxVideos     int
}

// NewReader builds a Reader over an existing store client.
func NewReader(client *weaviate.Client, cfg Config) *Reader {
	field := cfg.PlaylistField
	if field == "" {
		field = DefaultPlaylistField
	}
	return &Reader{client: client, playlistField: field, maxVideos: cfg.MaxVideos}
}

// wire mirror of the store's Video properties. Numbers arrive as JSON
// floats and timestamps as RFC3339 strings.
type storedVideo struct {
	VideoID         string   `json:"videoId"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	DurationSeconds float64  `json:"durationSeconds"`
	ViewCount       float64  `json:"viewCount"`
	LikeCount       float64  `json:"likeCount"`
	TopicCategories []string `json:"topicCategories"`
	PublishedAt     string   `json:"publishedAt"`
	ThumbnailURL    string   `json:"thumbnailUrl"`
	ChannelTitle    string   `json:"channelTitle"`
}

type videoQueryResponse struct {
	Get struct {
		Video []storedVideo `json:"Video"`
	} `json:"Get"`
}

// FetchPlaylistVideos returns every Video whose membership set contains
// playlistID. No retries are performed here; the caller decides.
func (r *Reader) FetchPlaylistVideos(ctx context.Context, playlistID string) ([]datatypes.Video, error) {
	ctx, span := tracer.Start(ctx, "Reader.FetchPlaylistVideos")
	defer span.End()
	span.SetAttributes(attribute.String("catalogue.playlist_id", playlistID))

	fields := []graphql.Field{
		{Name: "videoId"},
		{Name: "title"},
		{Name: "description"},
		{Name: "durationSeconds"},
		{Name: "viewCount"},
		{Name: "likeCount"},
		{Name: "topicCategories"},
		{Name: "publishedAt"},
		{Name: "thumbnailUrl"},
		{Name: "channelTitle"},
	}
	where := filters.Where().
		WithPath([]string{r.playlistField}).
		WithOperator(filters.ContainsAny).
		WithValueText(playlistID)

	result, err := r.client.GraphQL().Get().
		WithClassName(videoClassName).
		WithFields(fields...).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to query the catalogue store", "playlistId", playlistID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(result.Errors) > 0 {
		msg := result.Errors[0].Message
		span.SetStatus(codes.Error, msg)
		slog.Error("catalogue store rejected the query", "playlistId", playlistID, "error", msg)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, msg)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encoding store response: %v", ErrUnavailable, err)
	}
	var decoded videoQueryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding store response: %v", ErrUnavailable, err)
	}
	if len(decoded.Get.Video) == 0 {
		return nil, ErrEmpty
	}

	videos := make([]datatypes.Video, 0, len(decoded.Get.Video))
	for _, sv := range decoded.Get.Video {
		videos = append(videos, sv.toVideo())
	}
	videos = r.truncate(videos)

	span.SetAttributes(attribute.Int("catalogue.videos", len(videos)))
	slog.Info("fetched playlist catalogue", "playlistId", playlistID, "videos", len(videos))
	return videos, nil
}

func (sv storedVideo) toVideo() datatypes.Video {
	v := datatypes.Video{
		VideoID:         sv.VideoID,
		Title:           sv.Title,
		Description:     sv.Description,
		DurationSeconds: int64(sv.DurationSeconds),
		ViewCount:       int64(sv.ViewCount),
		LikeCount:       int64(sv.LikeCount),
		TopicCategories: sv.TopicCategories,
		ThumbnailURL:    sv.ThumbnailURL,
		ChannelTitle:    sv.ChannelTitle,
	}
	if sv.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, sv.PublishedAt); err == nil {
			v.PublishedAt = t
		} else {
			slog.Debug("unparseable publishedAt on catalogue record", "videoId", sv.VideoID, "value", sv.PublishedAt)
		}
	}
	return v
}

// truncate applies the configured snapshot cap, keeping the newest videos by
// publishedAt. The sort is stable so records without a timestamp keep their
// store order relative to each other.
func (r *Reader) truncate(videos []datatypes.Video) []datatypes.Video {
	if r.maxVideos <= 0 || len(videos) <= r.maxVideos {
		return videos
	}
	sorted := make([]datatypes.Video, len(videos))
	copy(sorted, videos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.After(sorted[j].PublishedAt)
	})
	slog.Info("truncating catalogue snapshot", "from", len(videos), "to", r.maxVideos)
	return sorted[:r.maxVideos]
}
