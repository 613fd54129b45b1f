// Package webhook is the HTTP surface of the engine: inbound provider push
// notifications, activity event ingestion, target registration, and a small
// read-only status API. Handlers only resolve and enqueue — notification
// delivery never blocks on a full sync.
package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianhq/cadence/internal/store"
)

// Provider push headers, modeled generically across services.
const (
	headerChannelID     = "X-Channel-ID"
	headerResourceState = "X-Resource-State"

	// stateSync is the subscription handshake ping sent when a channel is
	// created; it carries no changes.
	stateSync = "sync"

	// stateGone signals the channel no longer exists and a resync is
	// required.
	stateGone = "gone"
)

// Targets is the slice of the state store the server needs.
type Targets interface {
	CreateTarget(ctx context.Context, userID string, kind store.ServiceKind) (*store.SyncTarget, error)
	ListTargetsForUser(ctx context.Context, userID string) ([]*store.SyncTarget, error)
	GetLease(ctx context.Context, targetID int64) (*store.WatchLease, error)
	GetLeaseByChannel(ctx context.Context, channelID string) (*store.WatchLease, error)
	Aggregates(ctx context.Context) ([]store.KindAggregate, error)
}

// Triggerer enqueues immediate syncs. Implemented by the scheduler.
type Triggerer interface {
	TriggerTarget(ctx context.Context, targetID int64, payload []byte) error
	TriggerUser(ctx context.Context, userID string, kind store.ServiceKind) error
}

// Leases is the slice of the lease manager the server needs.
type Leases interface {
	MarkExpired(ctx context.Context, channelID string) error
	Ensure(ctx context.Context, target *store.SyncTarget) error
}

// Recorder appends activity events. Implemented by the activity ledger.
type Recorder interface {
	Record(ctx context.Context, userID, kind string, at time.Time)
}

// Server assembles the gin router over the engine's collaborators.
type Server struct {
	targets  Targets
	trigger  Triggerer
	leases   Leases
	activity Recorder
	logger   *slog.Logger
}

// NewServer creates the HTTP surface.
func NewServer(targets Targets, trigger Triggerer, leases Leases, activity Recorder, logger *slog.Logger) *Server {
	return &Server{
		targets:  targets,
		trigger:  trigger,
		leases:   leases,
		activity: activity,
		logger:   logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/hooks/:kind", s.handlePush)

	v1 := r.Group("/v1")
	v1.POST("/targets", s.handleCreateTarget)
	v1.GET("/targets/:user", s.handleListTargets)
	v1.POST("/targets/:user/:kind/sync", s.handleManualSync)
	v1.POST("/activity", s.handleActivity)
	v1.GET("/stats", s.handleStats)

	return r
}
