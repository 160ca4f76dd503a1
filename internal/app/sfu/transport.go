package sfu

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	errUnsupportedCodec = domain.NewError(domain.CodeCapabilityMismatch, "Unsupported codec", nil)
	errKindMismatch     = domain.NewError(domain.CodeBadRequest, "kind does not match codec", nil)
	errTransportClosed  = domain.NewError(domain.CodeNotFound, "transport closed", nil)
)

type Transport struct {
	id     domain.TransportID
	dir    domain.Direction
	router *Router
	ep     *rtc.Endpoint
	logger zerolog.Logger

	mu        sync.Mutex
	closed    bool
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func newTransport(id domain.TransportID, dir domain.Direction, r *Router, ep *rtc.Endpoint, logger zerolog.Logger) *Transport {
	return &Transport{
		id:        id,
		dir:       dir,
		router:    r,
		ep:        ep,
		logger:    logger,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }
func (t *Transport) State() media.TransportState { return t.ep.State() }

func (t *Transport) Params() media.TransportParams {
	p := t.ep.Local()
	p.ID = string(t.id)
	return p
}

// Connect starts the handshake. The server side is always ICE controlled.
func (t *Transport) Connect(_ context.Context, p media.ConnectParams) error {
	return t.ep.Start(p, webrtc.ICERoleControlled)
}

func (t *Transport) Produce(_ context.Context, kind domain.Kind, params media.RtpParameters) (media.Producer, error) {
	if len(params.Codecs) == 0 {
		return nil, errUnsupportedCodec
	}
	if media.FindCodec(t.router.engine.caps, params.Codecs[0]) == nil {
		return nil, errUnsupportedCodec
	}
	if !strings.EqualFold(media.KindOfMime(params.Codecs[0].MimeType), string(kind)) {
		return nil, errKindMismatch
	}
	recv, err := rtc.ReceiveParameters(params)
	if err != nil {
		return nil, err
	}
	receiver, err := t.ep.NewReceiver(kind)
	if err != nil {
		return nil, err
	}

	p := newProducer(t, kind, params, receiver)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	go p.run(recv)
	return p, nil
}

// Consume creates a paused consumer of producerID.
func (t *Transport) Consume(_ context.Context, producerID domain.ProducerID, caps media.RtpCapabilities) (media.Consumer, error) {
	p := t.router.producer(producerID)
	switch {
	case p == nil:
		return nil, domain.ErrProducerNotFound
	case p.Closed():
		return nil, domain.ErrProducerClosed
	case !media.Compatible(p.params, caps):
		return nil, domain.ErrCannotConsume
	}
	codec := p.codec(t.router.engine.caps)
	if codec == nil {
		return nil, domain.ErrCannotConsume
	}

	id := domain.ConsumerID(newID())
	track, err := webrtc.NewTrackLocalStaticRTP(rtc.CodecCapability(*codec), string(id), string(producerID))
	if err != nil {
		return nil, err
	}
	sender, err := t.ep.NewSender(track)
	if err != nil {
		return nil, err
	}

	c := newConsumer(id, t, p, NewOutTrack(track), sender, *codec)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, errTransportClosed
	}
	t.consumers[id] = c
	t.mu.Unlock()
	p.addOutTrack(id, c.out)

	go c.run()
	return c, nil
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
	t.router.removeProducer(id)
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

// Close closes everything created on the transport, then the endpoint.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	for _, p := range producers {
		errs = append(errs, p.Close())
	}
	errs = append(errs, t.ep.Close())
	t.router.removeTransport(t.id)
	return errors.Join(errs...)
}

var _ media.Transport = (*Transport)(nil)
