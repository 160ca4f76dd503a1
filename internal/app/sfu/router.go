package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errRouterClosed = domain.Infrastructure("router closed", nil)

type Router struct {
	id     string
	engine *Engine
	logger zerolog.Logger

	mu         sync.RWMutex
	closed     bool
	producers  map[domain.ProducerID]*Producer
	transports map[domain.TransportID]*Transport
}

func newRouter(e *Engine) *Router {
	id := newID()
	return &Router{
		id:         id,
		engine:     e,
		logger:     log.With().Str("module", "sfu").Str("router_id", id).Logger(),
		producers:  make(map[domain.ProducerID]*Producer),
		transports: make(map[domain.TransportID]*Transport),
	}
}

func (r *Router) ID() string                             { return r.id }
func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.engine.caps }

func (r *Router) CreateTransport(ctx context.Context, dir domain.Direction) (media.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, errRouterClosed
	}

	id := domain.TransportID(newID())
	logger := r.logger.With().Str("transport_id", string(id)).Str("direction", string(dir)).Logger()
	ep, err := rtc.NewEndpoint(ctx, r.engine.api, r.engine.cfg, logger.With().Str("module", "rtc").Logger())
	if err != nil {
		return nil, err
	}
	t := newTransport(id, dir, r, ep, logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ep.Close()
		return nil, errRouterClosed
	}
	r.transports[id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps media.RtpCapabilities) bool {
	p := r.producer(producerID)
	if p == nil || p.Closed() {
		return false
	}
	return media.Compatible(p.params, caps)
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producers[id]
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// Close closes every transport still attached to the router.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		errs = append(errs, t.Close())
	}
	r.logger.Info().Msg("router closed")
	return errors.Join(errs...)
}

var _ media.Router = (*Router)(nil)
