package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger/internal/models"
)

// ackServer refuses the first dial and acknowledges every send afterwards.
func ackServer(t *testing.T, dials *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if dials.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := models.DecodeInbound(raw)
			if err != nil || frame.Type != models.EventSendMessage {
				continue
			}
			var p models.SendMessagePayload
			if err := json.Unmarshal(frame.Data, &p); err != nil {
				continue
			}
			msg := models.Message{ID: 100, ConversationID: p.ConversationID, SenderID: 1, Text: p.Text, CreatedAt: time.Now()}
			ack, _ := models.EncodeFrame(models.EventAck, frame.Ref, models.Ack{OK: true, TempID: p.TempID, Message: &msg})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastRetry() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

func TestTransportRetriesAndDrainsQueue(t *testing.T) {
	var dials atomic.Int32
	srv := ackServer(t, &dials)
	defer srv.Close()

	rec := &recorder{}
	e := NewEngine(1, staticHistory{}, WithOutcome(rec.record))
	tempID, err := e.Submit(7, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{tempID}, e.Queued())

	tr := NewTransport(wsURL(srv), "secret", e)
	tr.policy = fastRetry
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	out := rec.all()[0]
	assert.True(t, out.OK())
	assert.Equal(t, tempID, out.TempID)
	assert.Equal(t, 100, out.Message.ID)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))
	assert.True(t, e.Connected())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop")
	}
	assert.False(t, e.Connected())
}

func TestTransportStopsOnUnauthorized(t *testing.T) {
	var dials atomic.Int32
	srv := ackServer(t, &dials)
	defer srv.Close()

	tr := NewTransport(wsURL(srv), "wrong", NewEngine(1, staticHistory{}))
	tr.policy = fastRetry

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unauthorized dial kept retrying")
	}
	assert.Zero(t, dials.Load())
}
