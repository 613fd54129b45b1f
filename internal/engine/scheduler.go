// Package engine contains the sync scheduler and executor: the orchestration
// loop that decides when each (user, service) target runs, dispatches work to
// a bounded pool, and re-tunes cadence from observed activity and change
// frequency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/cadence/internal/adapter"
	"github.com/meridianhq/cadence/internal/policy"
	"github.com/meridianhq/cadence/internal/store"
)

// Sentinel errors for trigger resolution.
var (
	ErrUnknownTarget  = errors.New("engine: unknown sync target")
	ErrTargetDisabled = errors.New("engine: sync target disabled")
)

// idleWait bounds how long the loop sleeps when the queue is empty.
const idleWait = time.Minute

// storeRetryDelay re-parks a queue item whose dispatch or completion hit a
// store error. The target stays scheduled; a read blip must never unschedule
// it for the life of the process.
const storeRetryDelay = 15 * time.Second

// Store is the slice of the state store the scheduler needs.
type Store interface {
	GetTarget(ctx context.Context, id int64) (*store.SyncTarget, error)
	GetTargetByUserKind(ctx context.Context, userID string, kind store.ServiceKind) (*store.SyncTarget, error)
	ListEnabledTargets(ctx context.Context) ([]*store.SyncTarget, error)
	UpdateTargetSchedule(ctx context.Context, id int64, tier store.Tier, nextDueAt int64) error
	UpdateTargetAfterRun(ctx context.Context, id int64, tier store.Tier, nextDueAt int64, cursor string, failures int) error
	DisableTarget(ctx context.Context, id int64) error
	AppendRun(ctx context.Context, r *store.SyncRun) error
	RecentRunsByUser(ctx context.Context, userID string, perTarget int) ([]store.RunSample, error)
}

// LeaseChecker is the single push/poll predicate the scheduler consults.
type LeaseChecker interface {
	HasActiveLease(ctx context.Context, targetID int64) bool
}

// Scorer supplies decayed activity scores.
type Scorer interface {
	Score(userID string, now time.Time) float64
}

// Config bounds the scheduler.
type Config struct {
	Workers    int
	WindowRuns int
}

// flightState enforces single-flight per target. A manual trigger arriving
// while a run is in flight is queued here and dispatched immediately after
// the run completes, never dropped.
type flightState struct {
	inFlight       bool
	pendingManual  bool
	pendingPayload []byte
}

// Scheduler is the single scheduling authority: it owns target due-times and
// tiers, maintains the due-time queue, and guarantees at most one in-flight
// run per target.
type Scheduler struct {
	st     Store
	exec   *Executor
	pol    policy.Policy
	scores Scorer
	leases LeaseChecker
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   dueHeap
	flights map[int64]*flightState
	wake    chan struct{}

	wg      sync.WaitGroup
	nowFunc func() time.Time // injectable for testing
}

// NewScheduler creates a scheduler. Run must be called to start dispatching.
func NewScheduler(
	st Store, exec *Executor, pol policy.Policy, scores Scorer, leases LeaseChecker,
	cfg Config, logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		st:      st,
		exec:    exec,
		pol:     pol,
		scores:  scores,
		leases:  leases,
		cfg:     cfg,
		logger:  logger,
		flights: make(map[int64]*flightState),
		wake:    make(chan struct{}, 1),
		nowFunc: time.Now,
	}
}

// Run loads enabled targets into the due-time queue and dispatches them until
// ctx is canceled. In-flight runs are allowed to finish on shutdown. A store
// failure during startup is fatal: without the shared state surface no
// scheduling decision is trustworthy.
func (s *Scheduler) Run(ctx context.Context) error {
	targets, err := s.st.ListEnabledTargets(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: loading targets: %w", err)
	}

	s.mu.Lock()
	for _, t := range targets {
		s.queue.push(&queueItem{targetID: t.ID, dueAt: t.NextDueAt})
	}
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		slog.Int("targets", len(targets)),
		slog.Int("workers", s.cfg.Workers),
	)

	sem := make(chan struct{}, s.cfg.Workers)

	for {
		s.mu.Lock()

		wait := idleWait

		if next := s.queue.peek(); next != nil {
			now := s.nowFunc().UnixNano()
			if next.dueAt <= now {
				item := s.queue.pop()
				s.mu.Unlock()
				s.dispatch(ctx, item, sem)

				continue
			}

			wait = time.Duration(next.dueAt - now)
		}

		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			s.logger.Info("scheduler stopped")

			return nil
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
	}
}

// TriggerUser schedules an immediate sync for (user, kind). Used by the
// activity path when a qualifying user action should be reflected right away.
func (s *Scheduler) TriggerUser(ctx context.Context, userID string, kind store.ServiceKind) error {
	t, err := s.st.GetTargetByUserKind(ctx, userID, kind)
	if err != nil {
		return err
	}

	if t == nil {
		return ErrUnknownTarget
	}

	return s.TriggerTarget(ctx, t.ID, nil)
}

// TriggerTarget schedules an immediate manual sync for a target, optionally
// carrying a push payload. If a run is already in flight the trigger is
// queued and dispatched right after it completes. Disabled targets are never
// dispatched.
func (s *Scheduler) TriggerTarget(ctx context.Context, targetID int64, payload []byte) error {
	t, err := s.st.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}

	if t == nil {
		return ErrUnknownTarget
	}

	if !t.Enabled {
		return ErrTargetDisabled
	}

	// Persist the immediate due time: the in-memory queue is rebuilt from
	// next_due_at at startup, so the manual intent survives a restart.
	if uerr := s.st.UpdateTargetSchedule(ctx, targetID, t.Tier, s.nowFunc().UnixNano()); uerr != nil {
		s.logger.Warn("trigger: persisting due time failed",
			slog.Int64("target_id", targetID),
			slog.String("error", uerr.Error()),
		)
	}

	s.mu.Lock()

	fs := s.flight(targetID)
	if fs.inFlight {
		fs.pendingManual = true
		if payload != nil {
			fs.pendingPayload = payload
		}

		s.mu.Unlock()

		return nil
	}

	s.queue.push(&queueItem{targetID: targetID, dueAt: 0, manual: true, payload: payload})
	s.mu.Unlock()
	s.signalWake()

	return nil
}

// dispatch runs one queue item: re-check the target, acquire single-flight,
// and hand off to a worker goroutine bounded by sem.
func (s *Scheduler) dispatch(ctx context.Context, item *queueItem, sem chan struct{}) {
	target, err := s.st.GetTarget(ctx, item.targetID)
	if err != nil {
		s.logger.Error("dispatch: target lookup failed, retrying shortly",
			slog.Int64("target_id", item.targetID),
			slog.String("error", err.Error()),
		)
		s.requeue(item, s.nowFunc().Add(storeRetryDelay).UnixNano())

		return
	}

	if target == nil || !target.Enabled {
		s.logger.Debug("dispatch: dropping disabled target", slog.Int64("target_id", item.targetID))
		return
	}

	// A stale scheduled entry (the target was re-timed while this entry sat
	// in the queue) is re-parked at the stored due time.
	if !item.manual && target.NextDueAt > item.dueAt {
		s.mu.Lock()
		s.queue.push(&queueItem{targetID: target.ID, dueAt: target.NextDueAt})
		s.mu.Unlock()

		return
	}

	s.mu.Lock()

	fs := s.flight(target.ID)
	if fs.inFlight {
		if item.manual {
			fs.pendingManual = true
			if item.payload != nil {
				fs.pendingPayload = item.payload
			}
		}

		s.mu.Unlock()

		return
	}

	fs.inFlight = true
	s.mu.Unlock()

	trig := Trigger{Manual: item.manual, Payload: item.payload}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		sem <- struct{}{}
		defer func() { <-sem }()

		s.runTarget(ctx, target, trig)
	}()
}

// runTarget executes one sync attempt and processes its outcome.
func (s *Scheduler) runTarget(ctx context.Context, target *store.SyncTarget, trig Trigger) {
	mode := "poll"
	if s.leases.HasActiveLease(ctx, target.ID) {
		mode = "push-backstop"
	}

	s.logger.Debug("sync dispatch",
		slog.Int64("target_id", target.ID),
		slog.String("user", target.UserID),
		slog.String("kind", string(target.Kind)),
		slog.String("mode", mode),
		slog.Bool("manual", trig.Manual),
	)

	res := s.exec.Run(ctx, target, trig)
	s.complete(ctx, target, res)
}

// complete records the run, recomputes the target's tier and due time, and
// re-enqueues it. Failure of one target never propagates to others.
func (s *Scheduler) complete(ctx context.Context, target *store.SyncTarget, res runResult) {
	// Re-read: disabling during flight discards the result entirely.
	fresh, err := s.st.GetTarget(ctx, target.ID)
	if err != nil {
		s.logger.Error("complete: target re-read failed, rescheduling",
			slog.Int64("target_id", target.ID),
			slog.String("error", err.Error()),
		)
		// The run result is lost, but the target must come due again.
		s.reschedule(target.ID, s.nowFunc().Add(storeRetryDelay).UnixNano())

		return
	}

	if fresh == nil || !fresh.Enabled {
		s.logger.Info("discarding run result for disabled target", slog.Int64("target_id", target.ID))
		s.clearFlight(target.ID, false)

		return
	}

	if aerr := s.st.AppendRun(ctx, res.run); aerr != nil {
		s.logger.Error("complete: recording run failed", slog.String("error", aerr.Error()))
	}

	if res.err != nil && adapter.IsPermanent(res.err) {
		if derr := s.st.DisableTarget(ctx, fresh.ID); derr != nil {
			s.logger.Error("complete: disabling target failed", slog.String("error", derr.Error()))
		}

		s.logger.Warn("target disabled pending re-authorization",
			slog.Int64("target_id", fresh.ID),
			slog.String("user", fresh.UserID),
			slog.String("kind", string(fresh.Kind)),
		)
		s.clearFlight(fresh.ID, false)

		return
	}

	now := s.nowFunc()
	nextTier := s.reevaluate(ctx, fresh, res, now)
	nextDue := now.Add(s.pol.NextDelay(nextTier)).UnixNano()

	failures := 0
	if res.err != nil {
		failures = fresh.ConsecutiveFailures + 1
	}

	if uerr := s.st.UpdateTargetAfterRun(ctx, fresh.ID, nextTier, nextDue, res.newCursor, failures); uerr != nil {
		s.logger.Error("complete: persisting target state failed", slog.String("error", uerr.Error()))
	}

	s.logger.Info("sync complete",
		slog.Int64("target_id", fresh.ID),
		slog.String("outcome", string(res.run.Outcome)),
		slog.Int("changed", res.run.ChangedCount),
		slog.String("tier", nextTier.String()),
	)

	s.reschedule(fresh.ID, nextDue)
}

// reevaluate computes the target's next tier. Transient failures move the
// target exactly one step slower — never an immediate retry against a
// failing upstream, never more than one step.
func (s *Scheduler) reevaluate(ctx context.Context, t *store.SyncTarget, res runResult, now time.Time) store.Tier {
	if res.err != nil {
		slower := t.Tier + 1
		if slower > store.TierBackground {
			slower = store.TierBackground
		}

		if slower < store.TierFast {
			slower = store.TierFast
		}

		return slower
	}

	samples, err := s.st.RecentRunsByUser(ctx, t.UserID, s.cfg.WindowRuns)
	if err != nil {
		s.logger.Error("reevaluate: run window query failed", slog.String("error", err.Error()))
	}

	change := s.pol.Classify(samples)
	score := s.scores.Score(t.UserID, now)

	return s.pol.NextTier(t.Tier, score, change, false)
}

// reschedule releases the target's single-flight slot and re-enqueues it. A
// manual trigger that arrived mid-run wins over the computed due time.
func (s *Scheduler) reschedule(targetID, nextDue int64) {
	s.mu.Lock()

	fs := s.flight(targetID)
	fs.inFlight = false

	if fs.pendingManual {
		fs.pendingManual = false
		payload := fs.pendingPayload
		fs.pendingPayload = nil

		s.queue.push(&queueItem{targetID: targetID, dueAt: 0, manual: true, payload: payload})
	} else {
		s.queue.push(&queueItem{targetID: targetID, dueAt: nextDue})
	}

	s.mu.Unlock()
	s.signalWake()
}

// requeue re-parks an item at the given due time, preserving a manual
// trigger's priority and payload.
func (s *Scheduler) requeue(item *queueItem, dueAt int64) {
	s.mu.Lock()
	s.queue.push(&queueItem{
		targetID: item.targetID,
		dueAt:    dueAt,
		manual:   item.manual,
		payload:  item.payload,
	})
	s.mu.Unlock()
	s.signalWake()
}

// clearFlight releases the single-flight slot without rescheduling. Pending
// manual triggers are kept only if requested.
func (s *Scheduler) clearFlight(targetID int64, keepPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.flight(targetID)
	fs.inFlight = false

	if !keepPending {
		fs.pendingManual = false
		fs.pendingPayload = nil
	}
}

// flight returns the flight state for a target. Callers hold s.mu.
func (s *Scheduler) flight(targetID int64) *flightState {
	fs, ok := s.flights[targetID]
	if !ok {
		fs = &flightState{}
		s.flights[targetID] = fs
	}

	return fs
}

// signalWake nudges the run loop without blocking.
func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
