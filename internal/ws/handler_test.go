package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger/internal/models"
)

type tokens map[string]int

func (t tokens) ValidateToken(_ context.Context, token string) (int, error) {
	if id, ok := t[token]; ok {
		return id, nil
	}
	return 0, errors.New("invalid token")
}

// echoDispatcher acknowledges every frame with its own type.
type echoDispatcher struct {
	hub          *Hub
	connected    chan int
	disconnected chan int
}

func (d *echoDispatcher) Connect(_ context.Context, c *Client) { d.connected <- c.UserID() }

func (d *echoDispatcher) Disconnect(_ context.Context, c *Client) { d.disconnected <- c.UserID() }

func (d *echoDispatcher) Dispatch(_ context.Context, c *Client, raw []byte) {
	frame, err := models.DecodeInbound(raw)
	if err != nil {
		d.hub.Reply(c, models.EventError, "", models.ErrorEvent{Code: models.CodeValidation})
		return
	}
	d.hub.Reply(c, models.EventAck, frame.Ref, models.Ack{OK: true, TempID: frame.Type})
}

func startServer(t *testing.T) (*httptest.Server, *Hub, *echoDispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	d := &echoDispatcher{hub: hub, connected: make(chan int, 4), disconnected: make(chan int, 4)}
	handler := NewSocketHandler(hub, d, tokens{"good": 7}, Options{PingInterval: time.Second})
	r := gin.New()
	r.GET("/ws", handler.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub, d
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func TestSocketRejectsBadToken(t *testing.T) {
	srv, _, _ := startServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=bad"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocketSessionLifecycle(t *testing.T) {
	srv, hub, d := startServer(t)

	header := http.Header{"Authorization": []string{"Bearer good"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)

	select {
	case id := <-d.connected:
		assert.Equal(t, 7, id)
	case <-time.After(time.Second):
		t.Fatal("connect not dispatched")
	}
	assert.Equal(t, 1, hub.Sessions(7))

	raw, err := models.EncodeFrame(models.EventPresencePing, "p1", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := models.DecodeOutbound(reply)
	require.NoError(t, err)
	assert.Equal(t, models.EventAck, frame.Type)
	assert.Equal(t, "p1", frame.Ref)

	require.NoError(t, conn.Close())
	select {
	case id := <-d.disconnected:
		assert.Equal(t, 7, id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not dispatched")
	}
	assert.Eventually(t, func() bool { return hub.Sessions(7) == 0 }, time.Second, 10*time.Millisecond)
}
