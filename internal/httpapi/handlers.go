package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
	"call-signaling/internal/history"
	"call-signaling/internal/notify"
	"call-signaling/internal/signal"
	"call-signaling/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Machine *signal.Machine
	Store   callstore.Store
	History history.Repository

	// Notifier fires the recipient wake push after call creation. Optional.
	Notifier *notify.Dispatcher

	// PlaceLimiter rate-limits call placement per caller. Optional.
	PlaceLimiter RateLimiter

	// Registrar stores device push tokens for the wake path. Optional.
	Registrar TokenRegistrar
}

// TokenRegistrar stores or clears a user's device push token.
type TokenRegistrar interface {
	RegisterPushToken(ctx context.Context, userID, token string) error
}

// RateLimiter guards call placement against runaway clients.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

const ctxUserKey = "user_id"

// RequireUser resolves the calling user from the X-User-Id header set by the
// authenticating gateway. Requests arriving without it are rejected.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader("X-User-Id")
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user identity required"})
			return
		}
		c.Set(ctxUserKey, uid)
		c.Next()
	}
}

func userID(c *gin.Context) string { return c.GetString(ctxUserKey) }

// --- Calls ---

type placeCallRequest struct {
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
}

func (h Handlers) PlaceCall(c *gin.Context) {
	uid := userID(c)

	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RecipientID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "recipient_id required"})
		return
	}
	typ := call.Type(req.Type)
	if !typ.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type must be audio or video"})
		return
	}

	if h.PlaceLimiter != nil {
		ok, err := h.PlaceLimiter.Allow(c.Request.Context(), uid)
		if err != nil {
			logger.FromGin(c).Error("rate limit check failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit unavailable"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many calls placed"})
			return
		}
	}

	rec, err := h.Machine.PlaceCall(c.Request.Context(), uid, req.RecipientID, typ)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	if h.Notifier != nil {
		h.Notifier.CallPlaced(c.Request.Context(), rec)
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) GetCall(c *gin.Context) {
	rec, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Answer accepts a ringing call. Losing the race to another actor is not an
// error; the response carries the authoritative record either way.
func (h Handlers) Answer(c *gin.Context) {
	rec, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	if rec.RecipientID != userID(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the recipient can answer"})
		return
	}
	out, err := h.Machine.Answer(c.Request.Context(), rec.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(out))
}

func (h Handlers) Decline(c *gin.Context) {
	rec, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	if rec.RecipientID != userID(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the recipient can decline"})
		return
	}
	out, err := h.Machine.Decline(c.Request.Context(), rec.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(out))
}

func (h Handlers) HangUp(c *gin.Context) {
	rec, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	out, err := h.Machine.HangUp(c.Request.Context(), rec.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(out))
}

type appendSignalRequest struct {
	Data string `json:"data"`
}

// AppendSignal adds one opaque negotiation blob to the call on behalf of the
// calling participant.
func (h Handlers) AppendSignal(c *gin.Context) {
	rec, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	var req appendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Data == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "data required"})
		return
	}
	out, err := h.Machine.AppendSignal(c.Request.Context(), rec.ID,
		call.Signal{From: userID(c), Data: req.Data}, rec.Status)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(out))
}

// --- Devices ---

type registerDeviceRequest struct {
	Token string `json:"token"`
}

// RegisterDevice stores the calling user's push token. An empty token clears
// it (logout, push permission revoked).
func (h Handlers) RegisterDevice(c *gin.Context) {
	if h.Registrar == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "device registration not configured"})
		return
	}
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Registrar.RegisterPushToken(c.Request.Context(), userID(c), req.Token); err != nil {
		logger.FromGin(c).Error("push token registration failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- History ---

func (h Handlers) ListHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	uid := userID(c)
	if c.Param("user_id") != uid {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "history is private"})
		return
	}
	entries, err := h.History.ListByParticipant(c.Request.Context(), uid, 50)
	if err != nil {
		logger.FromGin(c).Error("history lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": entries})
}

// --- helpers ---

// loadParticipantCall fetches the call and enforces that the calling user is
// one of its two participants.
func (h Handlers) loadParticipantCall(c *gin.Context) (call.Record, bool) {
	id := c.Param("id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return call.Record{}, false
	}
	rec, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return call.Record{}, false
	}
	if rec.Peer(userID(c)) == "" {
		// Not a participant. Do not reveal whether the call exists.
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return call.Record{}, false
	}
	return rec, true
}

func transitionResponse(out signal.Outcome) gin.H {
	return gin.H{"won": out.Won, "call": out.Record}
}

func abortWithStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, callstore.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, callstore.ErrStatusConflict), errors.Is(err, call.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, callstore.ErrInvalidRecord), errors.Is(err, callstore.ErrAlreadyExists):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("call operation failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
