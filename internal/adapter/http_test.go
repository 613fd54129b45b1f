package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAdapter_Subscribe(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"channel_id":"ch-1","expires_at":"` + expires.Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

	lease, err := a.Subscribe(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", lease.ChannelID)
	assert.True(t, lease.ExpiresAt.Equal(expires))
}

func TestHTTPAdapter_SubscribeStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthRevoked},
		{"forbidden", http.StatusForbidden, ErrAuthRevoked},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"bad request", http.StatusBadRequest, ErrLeaseRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

			_, err := a.Subscribe(context.Background(), "alice")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPAdapter_ServerErrorIsPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

	_, err := a.Subscribe(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthRevoked)
	assert.NotErrorIs(t, err, ErrLeaseRejected)
}

func TestHTTPAdapter_RenewGoneChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/ch-1/renew", r.URL.Path)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

	_, err := a.Renew(context.Background(), "ch-1")
	assert.ErrorIs(t, err, ErrChannelGone)
}

func TestHTTPAdapter_UnsubscribeMissingChannelIsNoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

	assert.NoError(t, a.Unsubscribe(context.Background(), "ch-1"))
}

func TestHTTPAdapter_FetchChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("user_id"))
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [{"id":"m1","version":"v2","payload":{"subject":"hi"}}],
			"next_cursor": "c2",
			"has_more": true
		}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

	page, err := a.FetchChanges(context.Background(), "alice", "c1")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m1", page.Items[0].ID)
	assert.Equal(t, "v2", page.Items[0].Version)
	assert.JSONEq(t, `{"subject":"hi"}`, string(page.Items[0].Payload))
	assert.Equal(t, "c2", page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestHTTPAdapter_FetchChangesOmitsEmptyCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("cursor"))
		_, _ = w.Write([]byte(`{"items":[],"next_cursor":"c1","has_more":false}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, srv.Client(), nil)

	page, err := a.FetchChanges(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, "c1", page.NextCursor)
}

func TestHTTPAdapter_ApplyPushPayload(t *testing.T) {
	a := NewHTTPAdapter("http://unused", nil, nil)

	items, err := a.ApplyPushPayload([]byte(`{"items":[{"id":"m1","version":"v1"}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ID)

	_, err = a.ApplyPushPayload([]byte("not json"))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", string(Classify(nil)))
	assert.Equal(t, "auth", string(Classify(ErrAuthRevoked)))
	assert.Equal(t, "lease", string(Classify(ErrLeaseRejected)))
	assert.Equal(t, "lease", string(Classify(ErrChannelGone)))
	assert.Equal(t, "transient", string(Classify(ErrRateLimited)))
	assert.Equal(t, "transient", string(Classify(context.DeadlineExceeded)))

	assert.True(t, IsPermanent(ErrAuthRevoked))
	assert.False(t, IsPermanent(ErrRateLimited))
	assert.False(t, IsPermanent(nil))
}
