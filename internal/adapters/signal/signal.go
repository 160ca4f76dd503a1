package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errConnClosed = errors.New("connection closed")

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Sessions *app.Registry
	Limiter  *RoomRateLimiter

	RequestTimeout time.Duration
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

// TrySend queues f without blocking.
func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return app.ErrBackpressure
	}
	return nil
}

// Send queues f, waiting for room in the queue until ctx ends. Replies use
// it so a burst of events cannot push a response out.
func (c *WsSignalConn) Send(ctx context.Context, f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// session is the per-connection state of one participant.
type session struct {
	pid   domain.ParticipantID
	token string
	conn  *WsSignalConn
	// inflight tracks request handlers so disconnect cleanup runs after
	// the last of them.
	inflight sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	pid := domain.NewParticipantID()
	log.Info().Str("module", "signal").Str("sid", string(pid)).Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	buf := ctl.SendBuffer
	if buf <= 0 {
		buf = 32
	}
	s := &session{
		pid:   pid,
		token: token,
		conn:  &WsSignalConn{conn: ws, send: make(chan []byte, buf)},
	}

	// ctx is the server lifetime, not the request's.
	ctx, cancel := context.WithCancel(ctx)
	ctl.Sessions.Bind(pid, token, s.conn, cancel)
	metrics.ActiveSignalConnections.Inc()

	go ctl.writePump(ctx, s.conn)
	go ctl.readPump(ctx, cancel, s)
}

func (ctl *SignalWSController) timeout() time.Duration {
	if ctl.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return ctl.RequestTimeout
}
