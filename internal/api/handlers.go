package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/ratelimit"
	"github.com/chattroom/chat-app/internal/room"
)

type putProfileRequest struct {
	Username string `json:"username" binding:"required"`
}

type postMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// getProfile returns the caller's profile, or 404 with a username
// suggestion derived from the provider display name.
func (h *handler) getProfile(c *gin.Context) {
	id := identity(c)

	p, err := h.Profiles.Get(c.Request.Context(), id.UID)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "profile_incomplete",
			"message":           "Please fill in the remaining details to continue.",
			"suggestedUsername": profile.SuggestUsername(id.DisplayName),
		})
	case err != nil:
		h.internalError(c, "get profile", err)
	default:
		c.JSON(http.StatusOK, p)
	}
}

func (h *handler) putProfile(c *gin.Context) {
	id := identity(c)

	var req putProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", "Please choose a username."))
		return
	}

	username := profile.Canonicalize(req.Username)
	if err := profile.Validate(username); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody("invalid_username", err.Error()))
		return
	}

	if h.Limiter != nil {
		if ok, retry := h.Limiter.Allowed(c.Request.Context(), id.UID, ratelimit.RuleProfile); !ok {
			tooManyRequests(c, retry.Seconds())
			return
		}
	}

	p, err := h.Profiles.SaveUsername(c.Request.Context(), profile.Update{
		UID:         id.UID,
		Username:    username,
		DisplayName: id.DisplayName,
		PhotoURL:    id.PhotoURL,
	})
	switch {
	case errors.Is(err, profile.ErrUsernameTaken):
		c.JSON(http.StatusConflict, errorBody("username_taken", "That username is already taken. Try another one."))
	case err != nil:
		h.internalError(c, "save username", err)
	default:
		h.logger.Info("username saved", "uid", id.UID)
		c.JSON(http.StatusOK, p)
	}
}

func (h *handler) listMessages(c *gin.Context) {
	msgs, err := h.Room.Feed(c.Request.Context())
	if err != nil {
		h.internalError(c, "feed", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *handler) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", "message text is required"))
		return
	}

	m, err := h.Room.Post(c.Request.Context(), identity(c), req.Text)
	var rl *room.RateLimitedError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, m)
	case errors.Is(err, chat.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, errorBody("invalid_message", err.Error()))
	case errors.Is(err, room.ErrProfileIncomplete):
		c.JSON(http.StatusConflict, errorBody("profile_incomplete", "Choose a username before posting."))
	case errors.As(err, &rl):
		tooManyRequests(c, rl.RetryAfter.Seconds())
	case errors.Is(err, room.ErrSpam):
		c.JSON(http.StatusUnprocessableEntity, errorBody("spam", "That message looks like spam."))
	default:
		h.internalError(c, "post message", err)
	}
}

func tooManyRequests(c *gin.Context, retryAfterSeconds float64) {
	secs := int(retryAfterSeconds) + 1
	c.Header("Retry-After", strconv.Itoa(secs))
	c.JSON(http.StatusTooManyRequests, errorBody("rate_limited", fmt.Sprintf("Slow down. Try again in %ds.", secs)))
}

func (h *handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, errorBody("internal", "Something went wrong. Please try again."))
}
