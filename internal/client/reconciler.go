package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type ItemState string

const (
	StateQueued    ItemState = "queued"
	StateConsuming ItemState = "consuming"
	StateConsumed  ItemState = "consumed"
	StateFailed    ItemState = "failed"
	StateDiscarded ItemState = "discarded"
)

var (
	ErrSelfProducer     = errors.New("own producer")
	ErrProducerGone     = errors.New("producer closed")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// LocalConsumer is the local playback handle of one consumed producer.
type LocalConsumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.Kind
	Resume() error
	Close() error
}

// Subscriber is what the reconciler consumes through.
type Subscriber interface {
	// Ready reports whether capabilities are negotiated and the receive
	// transport exists.
	Ready() bool
	Consume(ctx context.Context, info domain.ProducerInfo) (LocalConsumer, error)
}

type item struct {
	info    domain.ProducerInfo
	state   ItemState
	reason  error
	handle  LocalConsumer
	backoff backoff.BackOff
	timer   *time.Timer
}

// Reconciler turns producer announcements into consumers. Announcements
// may arrive before the device is loaded or the receive transport exists;
// they wait in the queue until a pass finds the prerequisites ready.
//
// Passes run on a single goroutine, so one pass always finishes its
// snapshot before the next starts.
type Reconciler struct {
	self       domain.ParticipantID
	sub        Subscriber
	parallel   int
	newBackOff func() backoff.BackOff
	onChange   func(domain.ProducerID, ItemState, error)
	logger     zerolog.Logger

	mu      sync.Mutex
	queue   []domain.ProducerID
	items   map[domain.ProducerID]*item
	stopped bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

type ReconcilerOption func(*Reconciler)

// WithParallelism bounds concurrent consume requests within one pass.
func WithParallelism(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithBackOff sets the retry schedule factory; one schedule per producer.
func WithBackOff(fn func() backoff.BackOff) ReconcilerOption {
	return func(r *Reconciler) { r.newBackOff = fn }
}

// WithOnChange registers a hook observing every state transition. It runs
// with the reconciler lock held and must not call back into it.
func WithOnChange(fn func(domain.ProducerID, ItemState, error)) ReconcilerOption {
	return func(r *Reconciler) { r.onChange = fn }
}

// DefaultBackOff retries for about a minute, starting at 250ms.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return backoff.WithMaxRetries(b, 8)
}

func NewReconciler(self domain.ParticipantID, sub Subscriber, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		self:       self,
		sub:        sub,
		parallel:   4,
		newBackOff: DefaultBackOff,
		logger:     log.With().Str("module", "client.reconciler").Str("sid", string(self)).Logger(),
		items:      make(map[domain.ProducerID]*item),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the pass loop; it ends with ctx or Stop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stopped || r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancel = cancel
	r.mu.Unlock()
	go r.loop(ctx)
	r.Kick()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			r.pass(ctx)
		}
	}
}

// Kick schedules a pass. Kicks coalesce: any number of calls while a pass
// is pending result in one more pass.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Announce queues producers announced by the server. Own producers and
// ids already known are ignored.
func (r *Reconciler) Announce(infos ...domain.ProducerInfo) {
	r.mu.Lock()
	queued := 0
	for _, info := range infos {
		if info.ProducerID == "" || r.stopped {
			continue
		}
		if _, known := r.items[info.ProducerID]; known {
			continue
		}
		it := &item{info: info}
		r.items[info.ProducerID] = it
		if info.ParticipantID == r.self {
			r.setLocked(it, StateDiscarded, ErrSelfProducer)
			continue
		}
		r.setLocked(it, StateQueued, nil)
		r.queue = append(r.queue, info.ProducerID)
		queued++
	}
	r.mu.Unlock()
	if queued > 0 {
		r.Kick()
	}
}

// ProducersClosed drops every trace of the given producers. A consume in
// flight is closed as soon as it returns; ids never seen before are
// remembered so a late announcement is ignored.
func (r *Reconciler) ProducersClosed(ids ...domain.ProducerID) {
	var toClose []LocalConsumer
	r.mu.Lock()
	for _, id := range ids {
		it, ok := r.items[id]
		if !ok {
			it = &item{info: domain.ProducerInfo{ProducerID: id}}
			r.items[id] = it
		}
		if it.state == StateDiscarded {
			continue
		}
		if it.timer != nil {
			it.timer.Stop()
		}
		if it.handle != nil {
			toClose = append(toClose, it.handle)
			it.handle = nil
		}
		r.setLocked(it, StateDiscarded, ErrProducerGone)
	}
	r.mu.Unlock()
	r.closeAll(toClose)
}

// State reports the current state of a producer announcement.
func (r *Reconciler) State(id domain.ProducerID) (ItemState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return "", false
	}
	return it.state, true
}

// Consumers returns the live local consumers.
func (r *Reconciler) Consumers() []LocalConsumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LocalConsumer
	for _, it := range r.items {
		if it.state == StateConsumed && it.handle != nil {
			out = append(out, it.handle)
		}
	}
	return out
}

// Stop ends the loop and closes every consumed handle.
func (r *Reconciler) Stop() {
	var toClose []LocalConsumer
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, it := range r.items {
		if it.timer != nil {
			it.timer.Stop()
		}
		if it.handle != nil {
			toClose = append(toClose, it.handle)
			it.handle = nil
		}
	}
	r.queue = nil
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-r.done
	}
	r.closeAll(toClose)
}

func (r *Reconciler) pass(ctx context.Context) {
	ready := r.sub.Ready()

	r.mu.Lock()
	snapshot := r.queue
	r.queue = nil
	seen := make(map[domain.ProducerID]struct{}, len(snapshot))
	todo := make([]*item, 0, len(snapshot))
	for _, id := range snapshot {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if it := r.items[id]; it != nil && it.state == StateQueued {
			todo = append(todo, it)
		}
	}
	if len(todo) == 0 {
		r.mu.Unlock()
		return
	}
	if !ready {
		// Keep them for the pass that follows the next prerequisite.
		for _, it := range todo {
			r.queue = append(r.queue, it.info.ProducerID)
		}
		r.mu.Unlock()
		r.logger.Debug().Int("pending", len(todo)).Msg("prerequisites not ready, requeued")
		return
	}
	for _, it := range todo {
		r.setLocked(it, StateConsuming, nil)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for _, it := range todo {
		g.Go(func() error {
			r.consume(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) consume(ctx context.Context, it *item) {
	h, err := r.sub.Consume(ctx, it.info)
	if err == nil {
		if rerr := h.Resume(); rerr != nil {
			_ = h.Close()
			h, err = nil, domain.Infrastructure("resume consumer", rerr)
		}
	}

	var toClose []LocalConsumer
	r.mu.Lock()
	switch {
	case it.state != StateConsuming:
		// Closed or stopped while the request was in flight.
		if h != nil {
			toClose = append(toClose, h)
		}
	case r.stopped:
		if h != nil {
			toClose = append(toClose, h)
		}
		r.setLocked(it, StateDiscarded, context.Canceled)
	case err == nil:
		it.handle = h
		it.backoff = nil
		r.setLocked(it, StateConsumed, nil)
	case domain.Retryable(err) && ctx.Err() == nil:
		r.retryLocked(it, err)
	default:
		r.setLocked(it, StateDiscarded, err)
	}
	r.mu.Unlock()
	r.closeAll(toClose)
}

func (r *Reconciler) retryLocked(it *item, err error) {
	if it.backoff == nil {
		it.backoff = r.newBackOff()
	}
	d := it.backoff.NextBackOff()
	if d == backoff.Stop {
		r.setLocked(it, StateDiscarded, errors.Join(ErrRetriesExhausted, err))
		return
	}
	r.setLocked(it, StateFailed, err)
	id := it.info.ProducerID
	it.timer = time.AfterFunc(d, func() { r.requeue(id) })
}

func (r *Reconciler) requeue(id domain.ProducerID) {
	r.mu.Lock()
	it, ok := r.items[id]
	if !ok || it.state != StateFailed || r.stopped {
		r.mu.Unlock()
		return
	}
	it.timer = nil
	r.setLocked(it, StateQueued, nil)
	r.queue = append(r.queue, id)
	r.mu.Unlock()
	r.Kick()
}

func (r *Reconciler) setLocked(it *item, s ItemState, reason error) {
	it.state = s
	it.reason = reason
	ev := r.logger.Debug()
	if s == StateDiscarded && reason != nil && !errors.Is(reason, ErrSelfProducer) && !errors.Is(reason, ErrProducerGone) {
		ev = r.logger.Warn()
	}
	ev.Str("producer_id", string(it.info.ProducerID)).Str("state", string(s)).AnErr("reason", reason).Msg("announcement")
	if r.onChange != nil {
		r.onChange(it.info.ProducerID, s, reason)
	}
}

func (r *Reconciler) closeAll(hs []LocalConsumer) {
	for _, h := range hs {
		if err := h.Close(); err != nil {
			r.logger.Warn().Err(err).Str("consumer_id", string(h.ID())).Msg("close consumer")
		}
	}
}
