package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/cadence/internal/adapter"
	"github.com/meridianhq/cadence/internal/store"
)

// publishedMsg captures one sink publish.
type publishedMsg struct {
	subject string
	msgID   string
}

// captureSink records publishes and can be made to fail.
type captureSink struct {
	mu   sync.Mutex
	msgs []publishedMsg
	err  error
}

func (c *captureSink) Publish(_ context.Context, subject string, _ []byte, msgID string) error {
	if c.err != nil {
		return c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, publishedMsg{subject: subject, msgID: msgID})

	return nil
}

func (c *captureSink) Close() {}

func (c *captureSink) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.msgID)
	}

	return out
}

// pagedAdapter serves a fixed sequence of change pages keyed by cursor.
type pagedAdapter struct {
	pages    map[string]adapter.ChangePage
	fetchErr error
	pushErr  error
}

func (p *pagedAdapter) Subscribe(context.Context, string) (adapter.Lease, error) {
	return adapter.Lease{}, errors.New("not implemented")
}

func (p *pagedAdapter) Renew(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.New("not implemented")
}

func (p *pagedAdapter) Unsubscribe(context.Context, string) error { return nil }

func (p *pagedAdapter) FetchChanges(_ context.Context, _, cursor string) (adapter.ChangePage, error) {
	if p.fetchErr != nil {
		return adapter.ChangePage{}, p.fetchErr
	}

	page, ok := p.pages[cursor]
	if !ok {
		return adapter.ChangePage{NextCursor: cursor}, nil
	}

	return page, nil
}

func (p *pagedAdapter) ApplyPushPayload(raw []byte) ([]adapter.ChangeItem, error) {
	if p.pushErr != nil {
		return nil, p.pushErr
	}

	return []adapter.ChangeItem{{ID: "pushed-" + string(raw), Version: "1"}}, nil
}

func testExecutor(t *testing.T, ad adapter.ServiceAdapter, sink *captureSink) *Executor {
	t.Helper()

	reg := adapter.NewRegistry()
	reg.Register(store.KindMail, ad)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewExecutor(reg, sink, "cadence", time.Second, logger)
}

func mailTarget(cursor string) *store.SyncTarget {
	return &store.SyncTarget{
		ID:     1,
		UserID: "alice",
		Kind:   store.KindMail,
		Cursor: cursor,
	}
}

func TestExecutor_Run_PublishesAndAdvancesCursor(t *testing.T) {
	ad := &pagedAdapter{pages: map[string]adapter.ChangePage{
		"": {
			Items:      []adapter.ChangeItem{{ID: "m1", Version: "v1"}, {ID: "m2", Version: "v2"}},
			NextCursor: "c1",
			HasMore:    true,
		},
		"c1": {
			Items:      []adapter.ChangeItem{{ID: "m3", Version: "v1"}},
			NextCursor: "c2",
		},
	}}
	sink := &captureSink{}
	e := testExecutor(t, ad, sink)

	res := e.Run(context.Background(), mailTarget(""), Trigger{})

	require.NoError(t, res.err)
	assert.Equal(t, "c2", res.newCursor)
	assert.Equal(t, store.OutcomeSuccess, res.run.Outcome)
	assert.Equal(t, 3, res.run.ChangedCount)
	assert.Equal(t, store.ErrorNone, res.run.ErrorKind)

	assert.Equal(t, []string{
		"mail|alice|m1|v1",
		"mail|alice|m2|v2",
		"mail|alice|m3|v1",
	}, sink.ids())
	assert.Equal(t, "cadence.user.alice.mail.changed", sink.msgs[0].subject)
}

func TestExecutor_Run_DoubleApplyProducesIdenticalMessageIDs(t *testing.T) {
	ad := &pagedAdapter{pages: map[string]adapter.ChangePage{
		"": {
			Items:      []adapter.ChangeItem{{ID: "m1", Version: "v1"}},
			NextCursor: "c1",
		},
	}}
	sink := &captureSink{}
	e := testExecutor(t, ad, sink)

	// Same cursor applied twice: broker-side dedup on identical message IDs
	// makes the replay a no-op downstream.
	first := e.Run(context.Background(), mailTarget(""), Trigger{})
	second := e.Run(context.Background(), mailTarget(""), Trigger{})

	require.NoError(t, first.err)
	require.NoError(t, second.err)

	ids := sink.ids()
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestExecutor_Run_CursorUnchangedOnPublishFailure(t *testing.T) {
	ad := &pagedAdapter{pages: map[string]adapter.ChangePage{
		"c0": {
			Items:      []adapter.ChangeItem{{ID: "m1", Version: "v1"}},
			NextCursor: "c1",
		},
	}}
	sink := &captureSink{err: errors.New("broker unavailable")}
	e := testExecutor(t, ad, sink)

	res := e.Run(context.Background(), mailTarget("c0"), Trigger{})

	require.Error(t, res.err)
	assert.Equal(t, "c0", res.newCursor, "cursor must not advance when apply failed")
	assert.Equal(t, store.OutcomeFailure, res.run.Outcome)
	assert.Equal(t, store.ErrorReconcile, res.run.ErrorKind)
}

func TestExecutor_Run_FetchErrorClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want store.ErrorKind
	}{
		{"auth revoked", fmt.Errorf("connector: %w", adapter.ErrAuthRevoked), store.ErrorAuth},
		{"rate limited", fmt.Errorf("connector: %w", adapter.ErrRateLimited), store.ErrorTransient},
		{"unknown network error", errors.New("connection reset"), store.ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ad := &pagedAdapter{fetchErr: tt.err}
			sink := &captureSink{}
			e := testExecutor(t, ad, sink)

			res := e.Run(context.Background(), mailTarget("c0"), Trigger{})

			require.Error(t, res.err)
			assert.Equal(t, store.OutcomeFailure, res.run.Outcome)
			assert.Equal(t, tt.want, res.run.ErrorKind)
			assert.Equal(t, "c0", res.newCursor)
		})
	}
}

func TestExecutor_Run_PushPayloadApplied(t *testing.T) {
	ad := &pagedAdapter{pages: map[string]adapter.ChangePage{
		"": {NextCursor: "c1"},
	}}
	sink := &captureSink{}
	e := testExecutor(t, ad, sink)

	res := e.Run(context.Background(), mailTarget(""), Trigger{Payload: []byte("n1")})

	require.NoError(t, res.err)
	assert.Equal(t, store.OutcomeSuccess, res.run.Outcome)
	assert.Equal(t, 1, res.run.ChangedCount)
	assert.Equal(t, []string{"mail|alice|pushed-n1|1"}, sink.ids())
}

func TestExecutor_Run_UndecodablePushIsPartial(t *testing.T) {
	ad := &pagedAdapter{
		pushErr: errors.New("bad payload"),
		pages: map[string]adapter.ChangePage{
			"": {
				Items:      []adapter.ChangeItem{{ID: "m1", Version: "v1"}},
				NextCursor: "c1",
			},
		},
	}
	sink := &captureSink{}
	e := testExecutor(t, ad, sink)

	res := e.Run(context.Background(), mailTarget(""), Trigger{Payload: []byte("garbage")})

	require.NoError(t, res.err)
	assert.Equal(t, store.OutcomePartial, res.run.Outcome, "reconcile succeeded but push apply degraded")
	assert.Equal(t, 1, res.run.ChangedCount, "reconciling pull still delivered the change")
	assert.Equal(t, "c1", res.newCursor)
}

func TestExecutor_Run_NoAdapterIsTransient(t *testing.T) {
	reg := adapter.NewRegistry()
	sink := &captureSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewExecutor(reg, sink, "cadence", time.Second, logger)

	res := e.Run(context.Background(), mailTarget("c0"), Trigger{})

	require.Error(t, res.err)
	assert.Equal(t, store.ErrorTransient, res.run.ErrorKind)
	assert.Equal(t, "c0", res.newCursor)
}
