// Package api serves the room's JSON HTTP endpoints with gin: profile
// completion and a request/response alternative to the WebSocket feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/ratelimit"
)

const identityKey = "identity"

// Authenticator turns a bearer token into the user it identifies.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// Room posts and lists messages.
type Room interface {
	Post(ctx context.Context, id auth.Identity, text string) (chat.Message, error)
	Feed(ctx context.Context) ([]chat.Message, error)
}

// Profiles reads and claims usernames.
type Profiles interface {
	Get(ctx context.Context, uid string) (profile.Profile, error)
	SaveUsername(ctx context.Context, u profile.Update) (profile.Profile, error)
}

// Limiter throttles profile updates per user. It may be nil.
type Limiter interface {
	Allowed(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, time.Duration)
}

// Deps are the services behind the API.
type Deps struct {
	Auth     Authenticator
	Room     Room
	Profiles Profiles
	Limiter  Limiter
	Logger   *slog.Logger
}

type handler struct {
	Deps
	logger *slog.Logger
}

// NewRouter builds the gin engine for /api.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	h := &handler{Deps: d, logger: logging.Component(d.Logger, "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	api := r.Group("/api", h.requireIdentity())
	api.GET("/profile", h.getProfile)
	api.PUT("/profile", h.putProfile)
	api.GET("/messages", h.listMessages)
	api.POST("/messages", h.postMessage)
	return r
}

func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (h *handler) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.Auth.Verify(auth.BearerToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "Sign in to continue."))
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	return c.MustGet(identityKey).(auth.Identity)
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
