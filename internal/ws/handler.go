package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"messenger/internal/middleware"
	"messenger/internal/observability"
)

// Dispatcher handles the lifecycle and inbound frames of sessions.
type Dispatcher interface {
	Connect(ctx context.Context, c *Client)
	Disconnect(ctx context.Context, c *Client)
	Dispatch(ctx context.Context, c *Client, raw []byte)
}

// Options tune socket sessions.
type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	RateLimit    float64
	RateBurst    int
}

// SocketHandler upgrades authenticated requests into sessions.
type SocketHandler struct {
	hub        *Hub
	dispatcher Dispatcher
	auth       middleware.TokenValidator
	opts       Options
}

// NewSocketHandler constructs a SocketHandler.
func NewSocketHandler(hub *Hub, dispatcher Dispatcher, auth middleware.TokenValidator, opts Options) *SocketHandler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &SocketHandler{hub: hub, dispatcher: dispatcher, auth: auth, opts: opts}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and runs the session until it closes.
func (h *SocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messenger/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			header = "Bearer " + token
		}
	}
	token, ok := middleware.BearerToken(header)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	userID, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		Origin:      observability.OriginOf(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	limiter := rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst)
	if h.opts.RateLimit <= 0 {
		limiter = nil
	}
	client := NewClient(info, conn, h.opts.SendBuffer, limiter)

	// The session outlives the handshake request.
	sessionCtx := context.WithoutCancel(ctx)
	h.hub.Register(client)
	h.dispatcher.Connect(sessionCtx, client)
	observability.IncWSEvent("chat", "ws_connect")
	publishLifecycle(sessionCtx, info, "ws_connect", "")

	go client.writePump(h.opts.PingInterval)
	go h.readPump(sessionCtx, client)
}

func (h *SocketHandler) readPump(ctx context.Context, client *Client) {
	conn := client.conn
	var closeReason string
	defer func() {
		h.dispatcher.Disconnect(ctx, client)
		h.hub.Unregister(client)
		client.Close()
		observability.IncWSEvent("chat", "ws_disconnect")
		publishLifecycle(ctx, client.Info, "ws_disconnect", closeReason)
	}()

	readWait := 2 * h.opts.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("chat", "ws_error")
				log.WithFields(log.Fields{"conn_id": client.Info.ConnID, "user_id": client.Info.UserID}).
					WithError(err).Debug("websocket read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		h.dispatcher.Dispatch(ctx, client, raw)
	}
}

func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	envelope := observability.NewEnvelope(observability.FamilySocket, event, payload)
	_ = observability.PublishEvent(ctx, "ws_events.sessions", envelope, observability.BuildHeaders(ctx, info.RequestID, info.TraceID))
}
