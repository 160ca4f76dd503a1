package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) CreateRoom(ctx context.Context) (domain.RoomID, error) {
	id, err := o.Rooms.CreateRoom(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("create room")
		return "", err
	}
	return id, nil
}

// Join admits pid into the room and returns the router capabilities plus
// the backlog of producers owned by everybody else. The caller pushes the
// backlog with SendBacklog after replying.
func (o *Orchestrator) Join(_ context.Context, pid domain.ParticipantID, roomID domain.RoomID) (JoinResult, error) {
	var res JoinResult
	err := o.Rooms.Do(roomID, func(r *core.Room) error {
		r.AddParticipant(pid)
		res.RtpCapabilities = r.Router().RtpCapabilities()
		res.ExistingProducers = r.ListProducers(pid)
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	log.Info().Str("module", "orch").Str("sid", string(pid)).Str("room_id", string(roomID)).
		Int("backlog", len(res.ExistingProducers)).Msg("joined")
	return res, nil
}

// SendBacklog pushes the join-time producer list as one batch, only when
// there is something to announce.
func (o *Orchestrator) SendBacklog(pid domain.ParticipantID, backlog []domain.ProducerInfo) {
	if len(backlog) == 0 {
		return
	}
	o.notify(pid, protocol.ExistingProducersEvent(backlog))
}

// Leave removes pid from one room after telling the rest of the room which
// producers are going away.
func (o *Orchestrator) Leave(_ context.Context, pid domain.ParticipantID, roomID domain.RoomID) error {
	return o.Rooms.Do(roomID, func(r *core.Room) error {
		return o.leaveLocked(r, pid)
	})
}

func (o *Orchestrator) leaveLocked(r *core.Room, pid domain.ParticipantID) error {
	p, err := participantOf(r, pid)
	if err != nil {
		return err
	}
	o.broadcast(r, pid, protocol.ProducersClosedEvent{ParticipantID: pid, ProducerIDs: p.ProducerIDs()})
	if _, err := r.RemoveParticipant(pid); err != nil {
		// Partial cleanup is not fatal; the participant is gone regardless.
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(pid)).Str("room_id", string(r.ID())).Msg("leave cleanup")
	}
	log.Info().Str("module", "orch").Str("sid", string(pid)).Str("room_id", string(r.ID())).Msg("left")
	return nil
}

// Disconnect tears pid down in every room it belongs to.
func (o *Orchestrator) Disconnect(ctx context.Context, pid domain.ParticipantID) {
	for _, roomID := range o.Rooms.RoomsOf(pid) {
		err := o.Leave(ctx, pid, roomID)
		if err != nil && !errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, domain.ErrParticipantNotFound) {
			log.Error().Err(err).Str("module", "orch").Str("sid", string(pid)).Str("room_id", string(roomID)).Msg("disconnect")
		}
	}
}
