// Package orch is the negotiation protocol handler: it validates every
// request against the room state, drives the media engine and fans out
// push events. It never lets an engine failure escape as a panic; callers
// always get a tagged *domain.Error.
package orch

import (
	"errors"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Notifier delivers push events. Delivery is fire-and-forget and at most
// once; the receiving client tolerates losses.
type Notifier interface {
	Notify(to domain.ParticipantID, ev protocol.Event)
}

type Orchestrator struct {
	Rooms    *core.Registry
	Notifier Notifier
}

type JoinResult struct {
	RtpCapabilities   media.RtpCapabilities
	ExistingProducers []domain.ProducerInfo
}

type ConsumeResult struct {
	ID            domain.ConsumerID
	ProducerID    domain.ProducerID
	Kind          domain.Kind
	RtpParameters media.RtpParameters
}

func (o *Orchestrator) notify(to domain.ParticipantID, ev protocol.Event) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Notify(to, ev)
}

func (o *Orchestrator) broadcast(r *core.Room, from domain.ParticipantID, ev protocol.Event) {
	for _, pid := range r.Others(from) {
		o.notify(pid, ev)
	}
}

// engineFailure logs err with context and converts it into a tagged error.
// Errors the engine already tagged as not found or mismatch pass through.
func engineFailure(op string, room domain.RoomID, sid domain.ParticipantID, msg string, err error) error {
	var tagged *domain.Error
	if errors.As(err, &tagged) && tagged.Code != domain.CodeInfrastructure {
		return tagged
	}
	log.Error().Err(err).Str("module", "orch").Str("op", op).
		Str("room_id", string(room)).Str("sid", string(sid)).Msg("media engine failure")
	return domain.Infrastructure(msg, err)
}

func participantOf(r *core.Room, pid domain.ParticipantID) (*core.Participant, error) {
	p, ok := r.Participant(pid)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return p, nil
}
