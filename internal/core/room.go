package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Room pairs a routing context with its participants. Every method except
// ID and Router must run under Registry.Do, which holds the room lock.
type Room struct {
	id     domain.RoomID
	router media.Router
	reg    *Registry

	mu           sync.Mutex
	closed       bool
	participants map[domain.ParticipantID]*Participant
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() media.Router { return r.router }

func (r *Room) Len() int { return len(r.participants) }

func (r *Room) Participant(pid domain.ParticipantID) (*Participant, bool) {
	p, ok := r.participants[pid]
	return p, ok
}

// AddParticipant is idempotent; it reports whether pid was new.
func (r *Room) AddParticipant(pid domain.ParticipantID) bool {
	if _, ok := r.participants[pid]; ok {
		return false
	}
	r.participants[pid] = newParticipant(pid)
	metrics.ActiveParticipants.Inc()
	log.Info().Str("module", "core.room").Str("room_id", string(r.id)).Str("sid", string(pid)).Msg("participant added")
	return true
}

// Others lists every participant id except exclude.
func (r *Room) Others(exclude domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(r.participants))
	for pid := range r.participants {
		if pid != exclude {
			out = append(out, pid)
		}
	}
	return out
}

// ListProducers returns every live producer not owned by exclude, tagged
// with its owner.
func (r *Room) ListProducers(exclude domain.ParticipantID) []domain.ProducerInfo {
	var out []domain.ProducerInfo
	for pid, p := range r.participants {
		if pid == exclude {
			continue
		}
		for _, pr := range p.producers {
			if pr.Closed() {
				continue
			}
			out = append(out, domain.ProducerInfo{ProducerID: pr.ID(), ParticipantID: pid, Kind: pr.Kind()})
		}
	}
	return out
}

// FindProducer locates a producer anywhere in the room.
func (r *Room) FindProducer(id domain.ProducerID) (media.Producer, domain.ParticipantID, bool) {
	for pid, p := range r.participants {
		if pr := p.Producer(id); pr != nil {
			return pr, pid, true
		}
	}
	return nil, "", false
}

// CloseProducer closes a producer and every consumer created from it,
// returning its owner.
func (r *Room) CloseProducer(id domain.ProducerID) (domain.ParticipantID, error) {
	pr, owner, ok := r.FindProducer(id)
	if !ok {
		return "", domain.ErrProducerNotFound
	}
	r.participants[owner].removeProducer(id)
	var errs []error
	if err := safeClose(pr.Close); err != nil {
		errs = append(errs, fmt.Errorf("producer %s: %w", id, err))
	}
	errs = append(errs, r.closeConsumersOf(id))
	log.Info().Str("module", "core.room").Str("room_id", string(r.id)).Str("producer_id", string(id)).Msg("producer closed")
	return owner, errors.Join(errs...)
}

func (r *Room) closeConsumersOf(id domain.ProducerID) error {
	var errs []error
	for _, p := range r.participants {
		errs = append(errs, p.closeConsumersOf(id))
	}
	return errors.Join(errs...)
}

// RemoveParticipant closes everything pid owns, drops consumers others hold
// on its producers and removes it. An empty room is destroyed on the spot.
// The returned ids are the producers pid owned. Close failures are logged
// and returned but never stop the removal.
func (r *Room) RemoveParticipant(pid domain.ParticipantID) ([]domain.ProducerID, error) {
	p, ok := r.participants[pid]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	ids := p.ProducerIDs()
	var errs []error
	for _, id := range ids {
		for opid, other := range r.participants {
			if opid == pid {
				continue
			}
			errs = append(errs, other.closeConsumersOf(id))
		}
	}
	errs = append(errs, p.closeAll())
	delete(r.participants, pid)
	metrics.ActiveParticipants.Dec()
	log.Info().Str("module", "core.room").Str("room_id", string(r.id)).Str("sid", string(pid)).
		Int("producers", len(ids)).Msg("participant removed")

	if len(r.participants) == 0 {
		errs = append(errs, r.destroy())
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room_id", string(r.id)).Str("sid", string(pid)).Msg("partial cleanup failure")
	}
	return ids, err
}

// destroy closes the routing context and unregisters the room.
func (r *Room) destroy() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.reg.forget(r.id)
	metrics.ActiveRooms.Dec()
	log.Info().Str("module", "core.room").Str("room_id", string(r.id)).Msg("room destroyed")
	if err := safeClose(r.router.Close); err != nil {
		return fmt.Errorf("router %s: %w", r.router.ID(), err)
	}
	return nil
}
