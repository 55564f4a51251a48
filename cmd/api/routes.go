package main

import (
	"context"
	"net/http"

	"videocall-platform/internal/auth"
	"videocall-platform/internal/httpapi"
	"videocall-platform/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, ws *realtime.Handler, authMW gin.HandlerFunc, ready func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Realtime signaling. The token, when present, travels as ?token= because
	// browsers cannot set headers on websocket handshakes.
	r.GET("/ws", ws.ServeWS)

	api := r.Group("/api")
	{
		api.POST("/login", h.Login)
		api.GET("/users", h.ListUsers)
		api.GET("/ice-servers", h.ListICEServers)
	}

	protected := api.Group("")
	protected.Use(authMW)
	{
		protected.POST("/call-history", h.SaveCallHistory)

		// A user may only read their own history.
		own := protected.Group("/call-history/:userId")
		own.Use(auth.RequireSelf("userId"))
		{
			own.GET("", h.CallHistory)
			own.GET("/summary", h.CallSummary)
		}
	}
}
