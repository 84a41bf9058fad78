// Package server exposes the gateway's HTTP surface: the provider webhook and
// a health endpoint. Message processing happens off the request path.
package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/provider"
)

// SetMode maps the gateway log mode onto gin's runtime mode, keeping gin's
// debug output out of production logs.
func SetMode(logMode string) {
	switch strings.ToLower(logMode) {
	case "prod", "production":
		gin.SetMode(gin.ReleaseMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}

// HealthInfo is the settings snapshot reported by the health endpoint.
type HealthInfo struct {
	Provider          string
	WindowTurns       int
	SummaryEnabled    bool
	SummaryEveryTurns int
	RetentionDays     int
}

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Adapter provider.Adapter

	// Process handles one parsed message; the webhook handler invokes it on
	// its own goroutine and acknowledges immediately.
	Process func(msg provider.IncomingMessage)

	Health HealthInfo
	Log    *logger.Logger
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())

	r.GET("/health", healthHandler(cfg.Health))
	r.POST("/webhook/"+cfg.Adapter.Name(), webhookHandler(cfg))

	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func healthHandler(info HealthInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "gateway",
			"provider": info.Provider,
			"context": gin.H{
				"window_turns":        info.WindowTurns,
				"summary_enabled":     info.SummaryEnabled,
				"summary_every_turns": info.SummaryEveryTurns,
				"retention_days":      info.RetentionDays,
			},
		})
	}
}

func webhookHandler(cfg RouterConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cfg.Adapter.ValidateSecret(c.Request); err != nil {
			if errors.Is(err, provider.ErrInvalidSecret) {
				c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid webhook secret"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "secret validation failed"})
			return
		}

		msg, err := cfg.Adapter.ParseWebhook(c.Request)
		if err != nil {
			cfg.Log.Warn("webhook payload rejected", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"status": "ignored", "reason": "bad_payload"})
			return
		}
		if msg == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "no_message"})
			return
		}

		cfg.Log.Info("incoming message",
			"provider", msg.Provider, "user_id", msg.UserID, "chat_id", msg.ChatID)

		// Fire and forget: the provider gets its acknowledgment without
		// waiting for dispatch or storage.
		go cfg.Process(*msg)

		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}
