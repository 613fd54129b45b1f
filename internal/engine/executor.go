package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/cadence/internal/adapter"
	"github.com/meridianhq/cadence/internal/bus"
	"github.com/meridianhq/cadence/internal/store"
)

// Trigger describes why a sync attempt is running. A push-delivered
// notification carries the provider's raw payload; the executor applies its
// delta directly when the adapter can decode it, then still reconciles via a
// pull to cover missed notifications.
type Trigger struct {
	Manual  bool
	Payload []byte
}

// runResult is what one executor run hands back to the scheduler.
type runResult struct {
	run       *store.SyncRun
	newCursor string
	err       error
}

// changeEvent is the envelope published per changed item.
type changeEvent struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	ItemID  string `json:"item_id"`
	Version string `json:"version"`
}

// Executor performs one sync attempt against a service adapter: fetch
// changes since the cursor, hand each item to the change sink, advance the
// cursor, and classify the outcome.
type Executor struct {
	adapters      *adapter.Registry
	sink          bus.Sink
	subjectPrefix string
	timeout       time.Duration
	logger        *slog.Logger

	nowFunc func() time.Time // injectable for testing
}

// NewExecutor creates an executor. timeout bounds every individual adapter
// call; a timed-out call classifies as transient.
func NewExecutor(
	adapters *adapter.Registry, sink bus.Sink, subjectPrefix string, timeout time.Duration, logger *slog.Logger,
) *Executor {
	return &Executor{
		adapters:      adapters,
		sink:          sink,
		subjectPrefix: subjectPrefix,
		timeout:       timeout,
		logger:        logger,
		nowFunc:       time.Now,
	}
}

// Run executes one sync attempt. The returned cursor is the target's cursor
// after the attempt: unchanged whenever applying results failed, so the same
// changes are retried on the next attempt (at-least-once, idempotent apply).
func (e *Executor) Run(ctx context.Context, target *store.SyncTarget, trig Trigger) runResult {
	started := e.nowFunc()
	run := &store.SyncRun{
		ID:        uuid.NewString(),
		TargetID:  target.ID,
		StartedAt: started.UnixNano(),
	}

	ad, err := e.adapters.Get(target.Kind)
	if err != nil {
		return e.finish(run, target.Cursor, 0, store.OutcomeFailure, store.ErrorTransient, err)
	}

	pushDegraded := false
	changed := 0

	// Apply the push payload's own delta when present and decodable. The
	// reconciling pull below still runs either way.
	if len(trig.Payload) > 0 {
		n, pushErr := e.applyPush(ctx, ad, target, trig.Payload)
		changed += n

		if pushErr != nil {
			pushDegraded = true

			e.logger.Debug("push payload apply failed, relying on reconcile",
				slog.Int64("target_id", target.ID),
				slog.String("error", pushErr.Error()),
			)
		}
	}

	cursor := target.Cursor

	for {
		page, fetchErr := e.fetchPage(ctx, ad, target.UserID, cursor)
		if fetchErr != nil {
			return e.finish(run, target.Cursor, changed, store.OutcomeFailure, adapter.Classify(fetchErr), fetchErr)
		}

		if pubErr := e.publishItems(ctx, target, page.Items); pubErr != nil {
			// Reconciliation failure: cursor is NOT advanced, guaranteeing
			// the same changes are retried next attempt.
			return e.finish(run, target.Cursor, changed, store.OutcomeFailure, store.ErrorReconcile, pubErr)
		}

		changed += len(page.Items)
		cursor = page.NextCursor

		if !page.HasMore {
			break
		}
	}

	outcome := store.OutcomeSuccess
	if pushDegraded {
		outcome = store.OutcomePartial
	}

	return e.finish(run, cursor, changed, outcome, store.ErrorNone, nil)
}

// fetchPage requests one page of changes under the per-call timeout.
func (e *Executor) fetchPage(
	ctx context.Context, ad adapter.ServiceAdapter, userID, cursor string,
) (adapter.ChangePage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	page, err := ad.FetchChanges(callCtx, userID, cursor)
	if err != nil {
		return adapter.ChangePage{}, fmt.Errorf("fetch changes: %w", err)
	}

	return page, nil
}

// applyPush decodes and publishes a push payload's partial change set.
func (e *Executor) applyPush(
	ctx context.Context, ad adapter.ServiceAdapter, target *store.SyncTarget, raw []byte,
) (int, error) {
	items, err := ad.ApplyPushPayload(raw)
	if err != nil {
		return 0, fmt.Errorf("apply push payload: %w", err)
	}

	if err := e.publishItems(ctx, target, items); err != nil {
		return 0, err
	}

	return len(items), nil
}

// publishItems hands changed items to the sink. The message ID is derived
// from (kind, user, item, version) so replaying the same change set twice is
// deduplicated at the broker — applying twice equals applying once.
func (e *Executor) publishItems(ctx context.Context, target *store.SyncTarget, items []adapter.ChangeItem) error {
	subject := fmt.Sprintf("%s.user.%s.%s.changed", e.subjectPrefix, target.UserID, target.Kind)

	for _, item := range items {
		payload, err := json.Marshal(changeEvent{
			UserID:  target.UserID,
			Kind:    string(target.Kind),
			ItemID:  item.ID,
			Version: item.Version,
		})
		if err != nil {
			return fmt.Errorf("encode change event: %w", err)
		}

		msgID := fmt.Sprintf("%s|%s|%s|%s", target.Kind, target.UserID, item.ID, item.Version)

		if err := e.sink.Publish(ctx, subject, payload, msgID); err != nil {
			return fmt.Errorf("publish change %s: %w", msgID, err)
		}
	}

	return nil
}

// finish stamps the run record and assembles the result.
func (e *Executor) finish(
	run *store.SyncRun, cursor string, changed int, outcome store.Outcome, kind store.ErrorKind, err error,
) runResult {
	run.EndedAt = e.nowFunc().UnixNano()
	run.Outcome = outcome
	run.ChangedCount = changed
	run.ErrorKind = kind

	return runResult{run: run, newCursor: cursor, err: err}
}
