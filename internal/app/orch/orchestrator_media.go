package orch

import (
	"context"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	errNotSendTransport = domain.NewError(domain.CodeBadRequest, "transport is not a send transport", nil)
	errNotRecvTransport = domain.NewError(domain.CodeBadRequest, "transport is not a receive transport", nil)
)

// CreateTransport allocates a transport for one direction. An existing
// transport in that slot is closed before the new one becomes active, and
// everything riding on it goes first: producers are closed and announced
// to the room, consumers are dropped.
func (o *Orchestrator) CreateTransport(ctx context.Context, pid domain.ParticipantID, roomID domain.RoomID, dir domain.Direction) (media.TransportParams, error) {
	var params media.TransportParams
	err := o.Rooms.Do(roomID, func(r *core.Room) error {
		p, err := participantOf(r, pid)
		if err != nil {
			return err
		}
		t, err := r.Router().CreateTransport(ctx, dir)
		if err != nil {
			return engineFailure("create-transport", roomID, pid, "Failed to create transport", err)
		}
		if p.Transport(dir) != nil {
			o.releaseSlotLocked(r, p, dir)
		}
		p.SetTransport(dir, t)
		params = t.Params()
		metrics.MediaObjectsCreatedTotal.WithLabelValues("transport").Inc()
		log.Info().Str("module", "orch").Str("sid", string(pid)).Str("room_id", string(roomID)).
			Str("transport_id", string(t.ID())).Str("direction", string(dir)).Msg("transport created")
		return nil
	})
	return params, err
}

// ConnectTransport completes the handshake of a transport the caller owns.
// The transport is looked up by id across both slots.
func (o *Orchestrator) ConnectTransport(ctx context.Context, pid domain.ParticipantID, roomID domain.RoomID, tid domain.TransportID, cp media.ConnectParams) error {
	return o.Rooms.Do(roomID, func(r *core.Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrTransportNotFound
		}
		t := p.TransportByID(tid)
		if t == nil {
			return domain.ErrTransportNotFound
		}
		if err := t.Connect(ctx, cp); err != nil {
			return engineFailure("connect-transport", roomID, pid, "Failed to connect transport", err)
		}
		log.Info().Str("module", "orch").Str("sid", string(pid)).Str("transport_id", string(tid)).Msg("transport connected")
		return nil
	})
}

// Produce publishes a track over the caller's send transport and announces
// it exactly once to every other participant of the room.
func (o *Orchestrator) Produce(ctx context.Context, pid domain.ParticipantID, roomID domain.RoomID, tid domain.TransportID, kind domain.Kind, params media.RtpParameters) (domain.ProducerID, error) {
	var id domain.ProducerID
	err := o.Rooms.Do(roomID, func(r *core.Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrTransportNotFound
		}
		t := p.TransportByID(tid)
		if t == nil {
			return domain.ErrTransportNotFound
		}
		if t.Direction() != domain.DirectionSend {
			return errNotSendTransport
		}
		pr, err := t.Produce(ctx, kind, params)
		if err != nil {
			return engineFailure("produce", roomID, pid, "Failed to produce", err)
		}
		p.AddProducer(pr)
		id = pr.ID()
		pr.OnClose(func() { o.producerEnded(roomID, id) })
		metrics.MediaObjectsCreatedTotal.WithLabelValues("producer").Inc()
		log.Info().Str("module", "orch").Str("sid", string(pid)).Str("room_id", string(roomID)).
			Str("producer_id", string(id)).Str("kind", string(kind)).Msg("producer created")

		o.broadcast(r, pid, protocol.NewProducerEvent{ProducerID: id, ParticipantID: pid, Kind: kind})
		return nil
	})
	return id, err
}

// Consume subscribes the caller to a remote producer over its receive
// transport. A previous consumer of the same producer is replaced.
func (o *Orchestrator) Consume(ctx context.Context, pid domain.ParticipantID, roomID domain.RoomID, tid domain.TransportID, producerID domain.ProducerID, caps media.RtpCapabilities) (ConsumeResult, error) {
	var res ConsumeResult
	err := o.Rooms.Do(roomID, func(r *core.Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrTransportNotFound
		}
		t := p.TransportByID(tid)
		if t == nil {
			return domain.ErrTransportNotFound
		}
		if t.Direction() != domain.DirectionRecv {
			return errNotRecvTransport
		}
		pr, owner, ok := r.FindProducer(producerID)
		if !ok {
			return domain.ErrProducerNotFound
		}
		if owner == pid {
			return domain.ErrSelfConsume
		}
		if pr.Closed() {
			return domain.ErrProducerClosed
		}
		if !r.Router().CanConsume(producerID, caps) {
			return domain.ErrCannotConsume
		}
		c, err := t.Consume(ctx, producerID, caps)
		if err != nil {
			return engineFailure("consume", roomID, pid, "Failed to consume", err)
		}
		if err := c.Resume(); err != nil {
			_ = c.Close()
			return engineFailure("consume", roomID, pid, "Failed to consume", err)
		}
		p.AddConsumer(c)
		metrics.MediaObjectsCreatedTotal.WithLabelValues("consumer").Inc()
		log.Info().Str("module", "orch").Str("sid", string(pid)).Str("producer_id", string(producerID)).
			Str("consumer_id", string(c.ID())).Msg("consumer created")

		res = ConsumeResult{ID: c.ID(), ProducerID: producerID, Kind: c.Kind(), RtpParameters: c.RtpParameters()}
		return nil
	})
	return res, err
}

// CloseProducer closes a producer the caller owns, closes every consumer
// of it and tells the rest of the room.
func (o *Orchestrator) CloseProducer(_ context.Context, pid domain.ParticipantID, roomID domain.RoomID, producerID domain.ProducerID) error {
	return o.Rooms.Do(roomID, func(r *core.Room) error {
		_, owner, ok := r.FindProducer(producerID)
		if !ok || owner != pid {
			return domain.ErrProducerNotFound
		}
		o.closeProducerLocked(r, owner, producerID)
		return nil
	})
}

// producerEnded handles a producer the engine closed on its own.
func (o *Orchestrator) producerEnded(roomID domain.RoomID, producerID domain.ProducerID) {
	_ = o.Rooms.Do(roomID, func(r *core.Room) error {
		_, owner, ok := r.FindProducer(producerID)
		if !ok {
			return nil
		}
		log.Info().Str("module", "orch").Str("room_id", string(roomID)).Str("producer_id", string(producerID)).Msg("producer ended by engine")
		o.closeProducerLocked(r, owner, producerID)
		return nil
	})
}

// releaseSlotLocked clears what depends on p's transport in dir before
// that transport is replaced.
func (o *Orchestrator) releaseSlotLocked(r *core.Room, p *core.Participant, dir domain.Direction) {
	if dir == domain.DirectionRecv {
		if err := p.CloseConsumers(); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("sid", string(p.ID())).Msg("close consumers of replaced transport")
		}
		return
	}
	if ids := p.ProducerIDs(); len(ids) > 0 {
		o.closeProducersLocked(r, p.ID(), ids)
	}
}

func (o *Orchestrator) closeProducerLocked(r *core.Room, owner domain.ParticipantID, producerID domain.ProducerID) {
	o.closeProducersLocked(r, owner, []domain.ProducerID{producerID})
}

// closeProducersLocked closes owner's producers with their consumers and
// sends one producers-closed to the rest of the room.
func (o *Orchestrator) closeProducersLocked(r *core.Room, owner domain.ParticipantID, ids []domain.ProducerID) {
	for _, id := range ids {
		if _, err := r.CloseProducer(id); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("producer_id", string(id)).Msg("close producer cleanup")
		}
	}
	o.broadcast(r, owner, protocol.ProducersClosedEvent{ParticipantID: owner, ProducerIDs: ids})
}
