// Package mediatest provides an in-memory media engine for tests. It never
// touches the network; every object counts how many times it was closed.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
)

// DefaultCapabilities matches the codecs the real engine registers by default.
func DefaultCapabilities() media.RtpCapabilities {
	return media.RtpCapabilities{Codecs: []media.RtpCodecCapability{
		{Kind: "audio", MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	}}
}

// AudioParams returns producer parameters for an Opus track.
func AudioParams(ssrc uint32) media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []media.RtpEncoding{{Ssrc: ssrc}},
	}
}

// VideoParams returns producer parameters for a VP8 track.
func VideoParams(ssrc uint32) media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []media.RtpEncoding{{Ssrc: ssrc}},
	}
}

// Engine is a fake media.Engine. The *Err knobs make the matching call fail.
type Engine struct {
	mu   sync.Mutex
	seq  int
	Caps media.RtpCapabilities

	RouterErr    error
	TransportErr error
	ConnectErr   error
	ProduceErr   error
	ConsumeErr   error
	CloseErr     error

	routers []*Router
}

func NewEngine() *Engine {
	return &Engine{Caps: DefaultCapabilities()}
}

func (e *Engine) nextID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

func (e *Engine) knob(p *error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *p
}

// Set changes a failure knob under the engine lock.
func (e *Engine) Set(fn func(e *Engine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *Engine) CreateRouter(_ context.Context) (media.Router, error) {
	if err := e.knob(&e.RouterErr); err != nil {
		return nil, err
	}
	r := &Router{
		engine:     e,
		id:         e.nextID("router"),
		producers:  make(map[domain.ProducerID]*Producer),
		transports: make(map[domain.TransportID]*Transport),
	}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

// Routers returns every router created so far, closed ones included.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

type Router struct {
	engine *Engine
	id     string

	mu         sync.Mutex
	producers  map[domain.ProducerID]*Producer
	transports map[domain.TransportID]*Transport

	closes atomic.Int32
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.engine.Caps }

func (r *Router) CreateTransport(_ context.Context, dir domain.Direction) (media.Transport, error) {
	if err := r.engine.knob(&r.engine.TransportErr); err != nil {
		return nil, err
	}
	id := domain.TransportID(r.engine.nextID("transport"))
	t := &Transport{
		router: r,
		id:     id,
		dir:    dir,
		state:  media.TransportNew,
	}
	r.mu.Lock()
	r.transports[id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(pid domain.ProducerID, caps media.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[pid]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	return media.Compatible(p.params, caps)
}

func (r *Router) Close() error {
	r.closes.Add(1)
	return r.engine.knob(&r.engine.CloseErr)
}

// Closes reports how many times Close was called.
func (r *Router) Closes() int { return int(r.closes.Load()) }

// Transports returns every transport the router created, closed ones included.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

// Transport looks up a transport created by this router.
func (r *Router) Transport(id domain.TransportID) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// Producer looks up a producer created on this router.
func (r *Router) Producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type Transport struct {
	router *Router
	id     domain.TransportID
	dir    domain.Direction

	mu        sync.Mutex
	state     media.TransportState
	connected *media.ConnectParams
	producers []*Producer
	consumers []*Consumer

	closes atomic.Int32
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) Params() media.TransportParams {
	return media.TransportParams{
		ID:            string(t.id),
		IceParameters: media.IceParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd", IceLite: true},
		IceCandidates: []media.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 10000, Type: "host"}},
		DtlsParameters: media.DtlsParameters{
			Role:         "auto",
			Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) State() media.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConnectParams returns what Connect received, nil before the handshake.
func (t *Transport) ConnectParams() *media.ConnectParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(_ context.Context, p media.ConnectParams) error {
	if err := t.router.engine.knob(&t.router.engine.ConnectErr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == media.TransportClosed {
		return fmt.Errorf("transport %s closed", t.id)
	}
	t.connected = &p
	t.state = media.TransportConnected
	return nil
}

func (t *Transport) Produce(_ context.Context, kind domain.Kind, params media.RtpParameters) (media.Producer, error) {
	if err := t.router.engine.knob(&t.router.engine.ProduceErr); err != nil {
		return nil, err
	}
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("transport %s cannot produce", t.id)
	}
	p := &Producer{
		id:     domain.ProducerID(t.router.engine.nextID("producer")),
		kind:   kind,
		params: params,
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, pid domain.ProducerID, caps media.RtpCapabilities) (media.Consumer, error) {
	if err := t.router.engine.knob(&t.router.engine.ConsumeErr); err != nil {
		return nil, err
	}
	p, ok := t.router.Producer(pid)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	if p.Closed() {
		return nil, domain.ErrProducerClosed
	}
	if !media.Compatible(p.params, caps) {
		return nil, domain.ErrCannotConsume
	}
	c := &Consumer{
		id:       domain.ConsumerID(t.router.engine.nextID("consumer")),
		producer: p,
	}
	c.paused.Store(true)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Close ends the transport and, like the real engine, everything created on
// it. Producers ended this way do not fire OnClose and do not count as a
// Close call of their own.
func (t *Transport) Close() error {
	t.closes.Add(1)
	t.mu.Lock()
	t.state = media.TransportClosed
	producers, consumers := t.producers, t.consumers
	t.mu.Unlock()
	for _, c := range consumers {
		c.closed.Store(true)
	}
	for _, p := range producers {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
	}
	return t.router.engine.knob(&t.router.engine.CloseErr)
}

func (t *Transport) Closes() int { return int(t.closes.Load()) }

// Consumers returns every consumer created on the transport.
func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

type Producer struct {
	id     domain.ProducerID
	kind   domain.Kind
	params media.RtpParameters

	mu      sync.Mutex
	closed  bool
	onClose func()

	closes atomic.Int32
}

func (p *Producer) ID() domain.ProducerID              { return p.id }
func (p *Producer) Kind() domain.Kind                  { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *Producer) Close() error {
	p.closes.Add(1)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Closes() int { return int(p.closes.Load()) }

// End simulates the source track ending inside the engine.
func (p *Producer) End() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type Consumer struct {
	id       domain.ConsumerID
	producer *Producer

	paused atomic.Bool
	closed atomic.Bool
	closes atomic.Int32
}

func (c *Consumer) ID() domain.ConsumerID              { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID      { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                  { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.producer.params }
func (c *Consumer) Paused() bool                       { return c.paused.Load() }

func (c *Consumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Close() error {
	c.closes.Add(1)
	c.closed.Store(true)
	return nil
}

func (c *Consumer) Closed() bool { return c.closed.Load() }

func (c *Consumer) Closes() int { return int(c.closes.Load()) }
