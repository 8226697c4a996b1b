package ws

import (
	"time"

	"messenger/internal/observability"
)

// ConnInfo describes one authenticated websocket session.
type ConnInfo struct {
	ConnID string
	UserID int
	observability.Origin
	TraceID     string
	ConnectedAt time.Time
}
