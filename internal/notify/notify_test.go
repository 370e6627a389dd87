package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	sync.Mutex
	got     []Message
	err     error
	block   chan struct{}
	started chan struct{}
}

func (r *recordingNotifier) Notify(ctx context.Context, msg Message) error {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.Lock()
	defer r.Unlock()
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingNotifier) titles() []string {
	r.Lock()
	defer r.Unlock()
	var out []string
	for _, m := range r.got {
		out = append(out, m.Title)
	}
	return out
}

func TestDispatcher_DeliversInOrderAndDrainsOnStop(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 8, zap.NewNop())
	d.Start()
	for _, title := range []string{"a", "b", "c"} {
		d.Send(Message{Title: title})
	}
	d.Stop(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, rec.titles())

	d.Send(Message{Title: "late"})
	assert.Equal(t, []string{"a", "b", "c"}, rec.titles())
}

func TestDispatcher_FailuresAreNotEscalated(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("smtp down")}
	d := NewDispatcher(rec, 8, zap.NewNop())
	d.Start()
	d.Send(Message{Title: "x"})
	d.Send(Message{Title: "y"})
	d.Stop(time.Second)
	assert.Equal(t, []string{"x", "y"}, rec.titles())
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := NewDispatcher(rec, 1, zap.NewNop())
	d.Start()

	d.Send(Message{Title: "in flight"})
	<-rec.started
	d.Send(Message{Title: "queued"})
	d.Send(Message{Title: "dropped"})

	close(rec.block)
	d.Stop(time.Second)
	assert.Equal(t, []string{"in flight", "queued"}, rec.titles())
}

func TestDispatcher_StopTimesOut(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := NewDispatcher(rec, 4, zap.NewNop())
	d.Start()
	d.Send(Message{Title: "stuck"})
	<-rec.started

	begin := time.Now()
	d.Stop(50 * time.Millisecond)
	assert.Less(t, time.Since(begin), time.Second)
	assert.Empty(t, rec.titles())
}

func TestWebhookNotifier(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "auto-trader")
	err := n.Notify(context.Background(), Message{
		Level: Critical,
		Title: "fatal",
		Body:  "reconcile failed",
		Time:  time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	embeds := body["embeds"].([]interface{})
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "fatal", embed["title"])
	assert.Equal(t, "reconcile failed", embed["description"])
	assert.Equal(t, float64(0xE74C3C), embed["color"])
	assert.Equal(t, "2024-03-04T15:00:00Z", embed["timestamp"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL, "").Notify(context.Background(), Message{Title: "x"})
	assert.Error(t, err)
}
