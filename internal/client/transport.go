package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
)

var errLinkClosed = errors.New("link closed")

// wsLink is one live socket. Frames are written by a single goroutine in
// the order Send accepted them.
type wsLink struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newLink(conn *websocket.Conn) *wsLink {
	return &wsLink{conn: conn, out: make(chan []byte, 256), done: make(chan struct{})}
}

func (l *wsLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	select {
	case l.out <- frame:
		return nil
	default:
		return errors.New("link send buffer full")
	}
}

func (l *wsLink) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *wsLink) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				l.close()
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// Transport keeps the engine connected to the server, reconnecting with
// exponential backoff.
type Transport struct {
	url    string
	token  string
	engine *Engine
	dialer *websocket.Dialer
	policy func() backoff.BackOff
}

// NewTransport builds a transport for the socket endpoint at url.
func NewTransport(url, token string, engine *Engine) *Transport {
	return &Transport{
		url:    url,
		token:  token,
		engine: engine,
		dialer: websocket.DefaultDialer,
		policy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run connects and serves sessions until ctx is cancelled. After every
// reconnect the engine drains its queue and refetches open conversations.
func (t *Transport) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		dial := func() error {
			header := http.Header{"Authorization": []string{"Bearer " + t.token}}
			c, resp, err := t.dialer.DialContext(ctx, t.url, header)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return backoff.Permanent(err)
				}
				log.WithError(err).Debug("dial failed")
				return err
			}
			conn = c
			return nil
		}
		if err := backoff.Retry(dial, backoff.WithContext(t.policy(), ctx)); err != nil {
			return err
		}

		t.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Info("connection lost, reconnecting")
	}
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	link := newLink(conn)
	go link.writeLoop()
	stop := context.AfterFunc(ctx, link.close)
	defer stop()

	t.engine.Attach(link)
	go t.engine.Resync(ctx)
	defer t.engine.Detach()
	defer link.close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := t.engine.HandleFrame(raw); err != nil {
			log.WithError(err).Debug("ignored server frame")
		}
	}
}
