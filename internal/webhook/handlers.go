package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianhq/cadence/internal/engine"
	"github.com/meridianhq/cadence/internal/store"
)

// maxPushBody bounds the provider push payload we will buffer.
const maxPushBody = 1 << 20 // 1 MiB

// handlePush receives a provider push notification, resolves the channel to
// its sync target, and enqueues an immediate sync. Always fast: the response
// is sent as soon as the trigger is queued. Notifications for unknown or
// disabled targets are acknowledged with 200 so the provider stops retrying,
// but no sync is dispatched.
func (s *Server) handlePush(c *gin.Context) {
	channelID := c.GetHeader(headerChannelID)
	state := c.GetHeader(headerResourceState)

	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + headerChannelID + " header"})
		return
	}

	// Subscription handshake: nothing to sync yet.
	if state == stateSync {
		c.Status(http.StatusOK)
		return
	}

	// Channel-gone signal: expire the lease so the target falls back to
	// polling and the sweep re-subscribes.
	if state == stateGone {
		if err := s.leases.MarkExpired(c.Request.Context(), channelID); err != nil {
			s.logger.Error("push: marking lease expired", slog.String("error", err.Error()))
		}

		c.Status(http.StatusOK)

		return
	}

	lease, err := s.targets.GetLeaseByChannel(c.Request.Context(), channelID)
	if err != nil {
		s.logger.Error("push: channel resolution failed", slog.String("error", err.Error()))
		c.Status(http.StatusInternalServerError)

		return
	}

	if lease == nil {
		s.logger.Debug("push for unknown channel", slog.String("channel", channelID))
		c.Status(http.StatusOK)

		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		payload = nil
	}

	err = s.trigger.TriggerTarget(c.Request.Context(), lease.TargetID, payload)
	if err != nil && !errors.Is(err, engine.ErrTargetDisabled) && !errors.Is(err, engine.ErrUnknownTarget) {
		s.logger.Error("push: trigger failed",
			slog.Int64("target_id", lease.TargetID),
			slog.String("error", err.Error()),
		)
		c.Status(http.StatusInternalServerError)

		return
	}

	c.Status(http.StatusOK)
}

type createTargetRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	ServiceKind string `json:"service_kind" binding:"required"`
}

// handleCreateTarget registers a (user, service) pair after the user
// completes authorization: the target row is created (or re-enabled), a push
// subscription is attempted, and a first sync is queued immediately.
func (s *Server) handleCreateTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := store.ServiceKind(req.ServiceKind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service kind"})
		return
	}

	target, err := s.targets.CreateTarget(c.Request.Context(), req.UserID, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Push capability is best effort; the target polls until a lease is
	// established.
	if err := s.leases.Ensure(c.Request.Context(), target); err != nil {
		s.logger.Warn("create target: subscription failed, polling only",
			slog.Int64("target_id", target.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.trigger.TriggerTarget(c.Request.Context(), target.ID, nil); err != nil {
		s.logger.Error("create target: initial sync trigger failed", slog.String("error", err.Error()))
	}

	c.JSON(http.StatusCreated, gin.H{"target_id": target.ID})
}

type targetView struct {
	TargetID   int64  `json:"target_id"`
	Kind       string `json:"service_kind"`
	Tier       string `json:"tier"`
	NextDueAt  int64  `json:"next_due_at"`
	Enabled    bool   `json:"enabled"`
	Failures   int    `json:"consecutive_failures"`
	LeaseState string `json:"lease_state"`
}

// handleListTargets returns a user's targets with their lease states.
func (s *Server) handleListTargets(c *gin.Context) {
	userID := c.Param("user")

	targets, err := s.targets.ListTargetsForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]targetView, 0, len(targets))

	for _, t := range targets {
		view := targetView{
			TargetID:   t.ID,
			Kind:       string(t.Kind),
			Tier:       t.Tier.String(),
			NextDueAt:  t.NextDueAt,
			Enabled:    t.Enabled,
			Failures:   t.ConsecutiveFailures,
			LeaseState: string(store.LeaseNone),
		}

		lease, err := s.targets.GetLease(c.Request.Context(), t.ID)
		if err == nil && lease != nil {
			view.LeaseState = string(lease.State)
		}

		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"targets": views})
}

// handleManualSync queues an immediate sync for (user, kind).
func (s *Server) handleManualSync(c *gin.Context) {
	kind := store.ServiceKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service kind"})
		return
	}

	err := s.trigger.TriggerUser(c.Request.Context(), c.Param("user"), kind)

	switch {
	case errors.Is(err, engine.ErrUnknownTarget):
		c.JSON(http.StatusNotFound, gin.H{"error": "no such target"})
	case errors.Is(err, engine.ErrTargetDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": "target disabled, re-authorization required"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusAccepted)
	}
}

type activityRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Kind   string `json:"kind" binding:"required"`

	// ServiceKind, when set, names the service whose target should sync
	// immediately because of this action (e.g., meeting created -> calendar).
	ServiceKind string `json:"service_kind"`
}

// handleActivity records one user-activity event. Recording never fails the
// caller; a qualifying action additionally queues an immediate sync for the
// named service.
func (s *Server) handleActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.activity.Record(c.Request.Context(), req.UserID, req.Kind, time.Now())

	if req.ServiceKind != "" {
		kind := store.ServiceKind(req.ServiceKind)
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service kind"})
			return
		}

		err := s.trigger.TriggerUser(c.Request.Context(), req.UserID, kind)
		if err != nil && !errors.Is(err, engine.ErrUnknownTarget) && !errors.Is(err, engine.ErrTargetDisabled) {
			s.logger.Error("activity: trigger failed", slog.String("error", err.Error()))
		}
	}

	c.Status(http.StatusAccepted)
}

// handleStats returns per-service success rate and mean run duration.
func (s *Server) handleStats(c *gin.Context) {
	aggs, err := s.targets.Aggregates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"services": aggs})
}
