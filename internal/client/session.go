package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotJoined        = domain.NewError(domain.CodeBadRequest, "not joined", nil)
	ErrSendNotReady     = domain.NewError(domain.CodeBadRequest, "send transport not ready", nil)
	ErrCannotProduce    = domain.NewError(domain.CodeCapabilityMismatch, "Cannot produce", nil)
	errAlreadyJoined    = domain.NewError(domain.CodeBadRequest, "already joined", nil)
	errRecvNotAvailable = domain.NewError(domain.CodeBadRequest, "receive transport not ready", nil)
)

// LocalTransport is the client half of one server transport.
type LocalTransport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	// Start begins the handshake after the server accepted connect-transport.
	Start() error
	// Send prepares track for publishing and reports its RTP parameters.
	Send(kind domain.Kind, track webrtc.TrackLocal, codec webrtc.RTPCodecCapability) (LocalProducer, media.RtpParameters, error)
	// Receive builds the paused local end of a server consumer.
	Receive(res protocol.ConsumeResponse) (LocalConsumer, error)
	Close() error
}

type LocalProducer interface {
	Kind() domain.Kind
	Close() error
}

// TransportFactory builds local transports from the server's parameters
// and returns what connect-transport has to carry.
type TransportFactory interface {
	Capabilities() media.RtpCapabilities
	NewTransport(ctx context.Context, dir domain.Direction, remote media.TransportParams) (LocalTransport, media.ConnectParams, error)
}

// Capture is a local media source. Stop releases the underlying device.
type Capture interface {
	Kind() domain.Kind
	Track() webrtc.TrackLocal
	Codec() webrtc.RTPCodecCapability
	Stop() error
}

type publication struct {
	id       domain.ProducerID
	producer LocalProducer
	capture  Capture
}

// Session is one participant in one room: it joins, negotiates the
// device, creates both transports, publishes captures and keeps the
// reconciler fed with announcements.
type Session struct {
	conn    Requester
	room    domain.RoomID
	factory TransportFactory
	device  *Device

	onConsumer func(LocalConsumer)
	logger     zerolog.Logger

	mu           sync.Mutex
	self         domain.ParticipantID
	rec          *Reconciler
	send         LocalTransport
	recv         LocalTransport
	publications []publication
	cancel       context.CancelFunc
	eventsDone   chan struct{}
	recOpts      []ReconcilerOption
}

type SessionOption func(*Session)

// OnConsumer is called for every new local consumer before it is resumed.
func OnConsumer(fn func(LocalConsumer)) SessionOption {
	return func(s *Session) { s.onConsumer = fn }
}

func WithReconcilerOptions(opts ...ReconcilerOption) SessionOption {
	return func(s *Session) { s.recOpts = append(s.recOpts, opts...) }
}

func NewSession(conn Requester, room domain.RoomID, factory TransportFactory, opts ...SessionOption) *Session {
	s := &Session{
		conn:    conn,
		room:    room,
		factory: factory,
		device:  NewDevice(factory.Capabilities()),
		logger:  log.With().Str("module", "client.session").Str("room_id", string(room)).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoom asks the server for a new room.
func CreateRoom(ctx context.Context, conn Requester) (domain.RoomID, error) {
	var resp protocol.CreateRoomResponse
	if err := conn.Request(ctx, protocol.TypeCreateRoom, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (s *Session) Self() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) Device() *Device { return s.device }

// Reconciler is nil before Join.
func (s *Session) Reconciler() *Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// Join enters the room. A failed join is terminal. Send and receive
// transports are created concurrently; the reconciler starts consuming as
// soon as the receive side is up, independent of the send side.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.rec != nil {
		s.mu.Unlock()
		return errAlreadyJoined
	}
	s.mu.Unlock()

	var resp protocol.JoinRoomResponse
	if err := s.conn.Request(ctx, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: s.room}, &resp); err != nil {
		return err
	}
	s.logger = s.logger.With().Str("sid", string(resp.ParticipantID)).Logger()

	rec := NewReconciler(resp.ParticipantID, s, s.recOpts...)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.self = resp.ParticipantID
	s.rec = rec
	s.cancel = cancel
	s.eventsDone = make(chan struct{})
	s.mu.Unlock()

	rec.Start(runCtx)
	go s.events(runCtx)

	s.device.Load(resp.RouterCapabilities)
	rec.Kick()
	s.logger.Info().Int("codecs", len(s.device.RtpCapabilities().Codecs)).Msg("joined")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.createTransport(gctx, domain.DirectionSend) })
	g.Go(func() error { return s.createTransport(gctx, domain.DirectionRecv) })
	return g.Wait()
}

func (s *Session) createTransport(ctx context.Context, dir domain.Direction) error {
	var params protocol.CreateTransportResponse
	req := protocol.CreateTransportRequest{RoomID: s.room, Direction: string(dir)}
	if err := s.conn.Request(ctx, protocol.TypeCreateTransport, req, &params); err != nil {
		return err
	}
	lt, cp, err := s.factory.NewTransport(ctx, dir, params)
	if err != nil {
		return domain.Infrastructure("create local transport", err)
	}
	connect := protocol.ConnectTransportRequest{
		RoomID:         s.room,
		TransportID:    domain.TransportID(params.ID),
		DtlsParameters: cp.DtlsParameters,
		IceParameters:  cp.IceParameters,
		IceCandidates:  cp.IceCandidates,
	}
	if err := s.conn.Request(ctx, protocol.TypeConnectTransport, connect, nil); err != nil {
		_ = lt.Close()
		return err
	}
	if err := lt.Start(); err != nil {
		_ = lt.Close()
		return domain.Infrastructure("start local transport", err)
	}

	s.mu.Lock()
	var old LocalTransport
	if dir == domain.DirectionSend {
		old, s.send = s.send, lt
	} else {
		old, s.recv = s.recv, lt
	}
	rec := s.rec
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.logger.Info().Str("transport_id", params.ID).Str("direction", string(dir)).Msg("transport ready")

	if dir == domain.DirectionRecv && rec != nil {
		rec.Kick()
	}
	return nil
}

// Publish produces a capture over the send transport.
func (s *Session) Publish(ctx context.Context, c Capture) (domain.ProducerID, error) {
	s.mu.Lock()
	send := s.send
	joined := s.rec != nil
	s.mu.Unlock()
	switch {
	case !joined:
		return "", ErrNotJoined
	case send == nil:
		return "", ErrSendNotReady
	case !s.device.CanProduce(c.Kind()):
		return "", ErrCannotProduce
	}

	lp, params, err := send.Send(c.Kind(), c.Track(), c.Codec())
	if err != nil {
		return "", domain.Infrastructure("prepare producer", err)
	}
	var resp protocol.ProduceResponse
	req := protocol.ProduceRequest{RoomID: s.room, TransportID: send.ID(), Kind: string(c.Kind()), RtpParameters: params}
	if err := s.conn.Request(ctx, protocol.TypeProduce, req, &resp); err != nil {
		_ = lp.Close()
		return "", err
	}

	s.mu.Lock()
	s.publications = append(s.publications, publication{id: resp.ID, producer: lp, capture: c})
	s.mu.Unlock()
	s.logger.Info().Str("producer_id", string(resp.ID)).Str("kind", string(c.Kind())).Msg("published")
	return resp.ID, nil
}

// Ready implements Subscriber.
func (s *Session) Ready() bool {
	s.mu.Lock()
	recv := s.recv
	s.mu.Unlock()
	return recv != nil && s.device.Loaded()
}

// Consume implements Subscriber.
func (s *Session) Consume(ctx context.Context, info domain.ProducerInfo) (LocalConsumer, error) {
	s.mu.Lock()
	recv := s.recv
	s.mu.Unlock()
	if recv == nil {
		return nil, errRecvNotAvailable
	}
	req := protocol.ConsumeRequest{
		RoomID:       s.room,
		TransportID:  recv.ID(),
		ProducerID:   info.ProducerID,
		Capabilities: s.device.RtpCapabilities(),
	}
	var resp protocol.ConsumeResponse
	if err := s.conn.Request(ctx, protocol.TypeConsume, req, &resp); err != nil {
		return nil, err
	}
	lc, err := recv.Receive(resp)
	if err != nil {
		return nil, domain.Infrastructure("prepare consumer", err)
	}
	if s.onConsumer != nil {
		s.onConsumer(lc)
	}
	return lc, nil
}

func (s *Session) events(ctx context.Context) {
	defer close(s.eventsDone)
	evs := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-evs:
			if !ok {
				return
			}
			s.handleEvent(env)
		}
	}
}

func (s *Session) handleEvent(env protocol.Envelope) {
	rec := s.Reconciler()
	switch env.Type {
	case protocol.TypeExistingProducers:
		var list []domain.ProducerInfo
		if err := json.Unmarshal(env.Data, &list); err != nil {
			s.logger.Warn().Err(err).Msg("bad existing-producers")
			return
		}
		rec.Announce(list...)
	case protocol.TypeNewProducer:
		var info domain.ProducerInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			s.logger.Warn().Err(err).Msg("bad new-producer")
			return
		}
		rec.Announce(info)
	case protocol.TypeProducersClosed:
		var ev protocol.ProducersClosedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("bad producers-closed")
			return
		}
		rec.ProducersClosed(ev.ProducerIDs...)
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("ignored event")
	}
}

// Leave tears the session down. Consumers, producers and transports are
// closed before any capture is released; leave-room goes out last.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	rec, cancel, eventsDone := s.rec, s.cancel, s.eventsDone
	pubs := s.publications
	send, recv := s.send, s.recv
	s.publications, s.send, s.recv = nil, nil, nil
	s.mu.Unlock()
	if rec == nil {
		return ErrNotJoined
	}

	rec.Stop()
	cancel()
	<-eventsDone

	var errs []error
	for _, p := range pubs {
		errs = append(errs, p.producer.Close())
	}
	for _, t := range []LocalTransport{send, recv} {
		if t != nil {
			errs = append(errs, t.Close())
		}
	}
	for _, p := range pubs {
		errs = append(errs, p.capture.Stop())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn().Err(err).Msg("leave cleanup")
	}

	if err := s.conn.Request(ctx, protocol.TypeLeaveRoom, protocol.LeaveRoomRequest{RoomID: s.room}, nil); err != nil {
		return err
	}
	s.logger.Info().Msg("left")
	return nil
}
