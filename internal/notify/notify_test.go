package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisNotifierRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	n, err := NewRedisNotifier("redis://"+s.Addr(), "")
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, Notification{
		Event:      "issue.transitioned",
		IssueID:    "ISS-1",
		Transition: "Start",
		ActorID:    "alice",
		Recipients: []Recipient{{ActorID: "bob", Channels: []string{"email"}}},
	}))
	require.NoError(t, n.Notify(ctx, Notification{Event: "issue.transitioned", IssueID: "ISS-2"}))

	items, err := n.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "ISS-2", items[0].IssueID)
	assert.Equal(t, "ISS-1", items[1].IssueID)
	assert.Equal(t, []Recipient{{ActorID: "bob", Channels: []string{"email"}}}, items[1].Recipients)
}

func TestNewRedisNotifierBadURL(t *testing.T) {
	_, err := NewRedisNotifier("not-a-url://", "")
	require.Error(t, err)
}

func TestWebhookPosterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"ok":true}`, string(body))
		assert.Equal(t, "s3cret", r.Header.Get("X-Flowdesk-Secret"))
		assert.Equal(t, "issue.transitioned", r.Header.Get("X-Flowdesk-Event"))
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := WebhookPoster{MaxElapsed: 5 * time.Second}
	err := p.Post(context.Background(), Delivery{
		URL:    srv.URL,
		Secret: "s3cret",
		Event:  "issue.transitioned",
		Body:   []byte(`{"ok":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookPosterDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	err := WebhookPoster{MaxElapsed: 5 * time.Second}.Post(context.Background(), Delivery{URL: srv.URL, Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}
