// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playlistiq/playlistiq/services/gateway/handlers"
	"github.com/playlistiq/playlistiq/services/gateway/session"
)

// SetupRoutes registers the gateway's endpoints. The chat surface is a
// single WebSocket endpoint; the rest is operational plumbing.
func SetupRoutes(router *gin.Engine, catalogueReader session.CatalogueReader,
	startChat session.ChatStarter, cfg handlers.GatewayConfig) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(catalogueReader, startChat, cfg))
	}
}
