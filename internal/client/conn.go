package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRequestTimeout = 10 * time.Second

	eventBuffer = 256
)

var (
	ErrConnClosed     = domain.Infrastructure("signaling connection closed", nil)
	errRequestTimeout = domain.NewError(domain.CodeTimeout, "Request timeout", nil)
)

// Requester is the request/response half of a signaling connection.
type Requester interface {
	Request(ctx context.Context, t protocol.MessageType, req, resp any) error
	Events() <-chan protocol.Envelope
}

// Conn layers correlated requests over one WebSocket. Every request gets
// a fresh id; the matching response is routed back through a pending
// channel, everything else is a push event.
type Conn struct {
	ws      *websocket.Conn
	Timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope

	events    chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, domain.Infrastructure("dial signaling", err)
	}
	return NewConn(ws), nil
}

func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		Timeout: DefaultRequestTimeout,
		pending: make(map[string]chan protocol.Envelope),
		events:  make(chan protocol.Envelope, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers server pushes in arrival order. It is closed when the
// connection ends. Pushes arriving while the buffer is full are dropped so
// responses keep flowing.
func (c *Conn) Events() <-chan protocol.Envelope { return c.events }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Request sends req and decodes the reply into resp. Without a deadline
// on ctx the connection Timeout applies; running out of time yields a
// timeout-coded error. Error replies come back as *domain.Error carrying
// the server's code.
func (c *Conn) Request(ctx context.Context, t protocol.MessageType, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	b, err := protocol.NewRequest(id, t, req)
	if err != nil {
		return domain.NewError(domain.CodeBadRequest, "encode request", err)
	}
	if err := c.write(b); err != nil {
		select {
		case <-c.done:
			return ErrConnClosed
		default:
		}
		return domain.Infrastructure("write request", err)
	}

	select {
	case env := <-ch:
		if err := env.Err(); err != nil {
			return err
		}
		if resp == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, resp); err != nil {
			return domain.Infrastructure("decode response", err)
		}
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return domain.NewError(domain.CodeTimeout, errRequestTimeout.Message, ctx.Err())
		}
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) readLoop() {
	defer func() {
		c.Close()
		close(c.events)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "client.conn").Msg("read loop closing")
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.conn").Msg("bad frame")
			continue
		}
		if env.Type == protocol.TypeResponse {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
			continue
		}
		select {
		case c.events <- env:
		default:
			log.Warn().Str("module", "client.conn").Str("type", string(env.Type)).Msg("event buffer full, dropping push")
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
