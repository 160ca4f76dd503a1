// Package core holds the server-side state: rooms, their participants and
// the transports, producers and consumers those participants own.
package core

import (
	"context"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Registry maps room ids to rooms. Mutations of one room are serialised by
// that room's lock; distinct rooms proceed in parallel.
// Lock order is always room before registry.
type Registry struct {
	engine media.Engine

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRegistry(engine media.Engine) *Registry {
	return &Registry{
		engine: engine,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

// CreateRoom allocates a room with a fresh routing context.
func (reg *Registry) CreateRoom(ctx context.Context) (domain.RoomID, error) {
	router, err := reg.engine.CreateRouter(ctx)
	if err != nil {
		return "", domain.Infrastructure("Failed to create room", err)
	}
	room := &Room{
		id:           domain.NewRoomID(),
		router:       router,
		reg:          reg,
		participants: make(map[domain.ParticipantID]*Participant),
	}
	reg.mu.Lock()
	reg.rooms[room.id] = room
	reg.mu.Unlock()
	metrics.ActiveRooms.Inc()
	log.Info().Str("module", "core.registry").Str("room_id", string(room.id)).Str("router_id", router.ID()).Msg("room created")
	return room.id, nil
}

func (reg *Registry) GetRoom(id domain.RoomID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

func (reg *Registry) forget(id domain.RoomID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

// Do runs fn with exclusive access to the room. A room destroyed while the
// caller was waiting for the lock is reported as not found.
func (reg *Registry) Do(id domain.RoomID, fn func(r *Room) error) error {
	room, ok := reg.GetRoom(id)
	if !ok {
		return domain.ErrRoomNotFound
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return domain.ErrRoomNotFound
	}
	return fn(room)
}

func (reg *Registry) AddParticipant(id domain.RoomID, pid domain.ParticipantID) error {
	return reg.Do(id, func(r *Room) error {
		r.AddParticipant(pid)
		return nil
	})
}

func (reg *Registry) RemoveParticipant(id domain.RoomID, pid domain.ParticipantID) ([]domain.ProducerID, error) {
	var ids []domain.ProducerID
	err := reg.Do(id, func(r *Room) error {
		var err error
		ids, err = r.RemoveParticipant(pid)
		return err
	})
	return ids, err
}

func (reg *Registry) SetTransport(id domain.RoomID, pid domain.ParticipantID, dir domain.Direction, t media.Transport) error {
	return reg.Do(id, func(r *Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrParticipantNotFound
		}
		p.SetTransport(dir, t)
		return nil
	})
}

func (reg *Registry) GetTransportByID(id domain.RoomID, pid domain.ParticipantID, tid domain.TransportID) (media.Transport, error) {
	var t media.Transport
	err := reg.Do(id, func(r *Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrTransportNotFound
		}
		if t = p.TransportByID(tid); t == nil {
			return domain.ErrTransportNotFound
		}
		return nil
	})
	return t, err
}

func (reg *Registry) AddProducer(id domain.RoomID, pid domain.ParticipantID, pr media.Producer) error {
	return reg.Do(id, func(r *Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrParticipantNotFound
		}
		p.AddProducer(pr)
		return nil
	})
}

func (reg *Registry) AddConsumer(id domain.RoomID, pid domain.ParticipantID, c media.Consumer) error {
	return reg.Do(id, func(r *Room) error {
		p, ok := r.Participant(pid)
		if !ok {
			return domain.ErrParticipantNotFound
		}
		p.AddConsumer(c)
		return nil
	})
}

func (reg *Registry) ListProducers(id domain.RoomID, exclude domain.ParticipantID) []domain.ProducerInfo {
	var out []domain.ProducerInfo
	_ = reg.Do(id, func(r *Room) error {
		out = r.ListProducers(exclude)
		return nil
	})
	return out
}

func (reg *Registry) snapshot() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		out = append(out, room)
	}
	return out
}

// RoomsOf returns every room pid currently belongs to.
func (reg *Registry) RoomsOf(pid domain.ParticipantID) []domain.RoomID {
	var out []domain.RoomID
	for _, room := range reg.snapshot() {
		room.mu.Lock()
		if _, ok := room.participants[pid]; ok && !room.closed {
			out = append(out, room.id)
		}
		room.mu.Unlock()
	}
	return out
}

func (reg *Registry) List() []domain.RoomInfo {
	rooms := reg.snapshot()
	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if !room.closed {
			out = append(out, domain.RoomInfo{
				ID:           room.id,
				Participants: len(room.participants),
				Producers:    len(room.ListProducers("")),
			})
		}
		room.mu.Unlock()
	}
	return out
}

// Info describes one room.
func (reg *Registry) Info(id domain.RoomID) (domain.RoomInfo, bool) {
	var info domain.RoomInfo
	err := reg.Do(id, func(r *Room) error {
		info = domain.RoomInfo{ID: r.id, Participants: len(r.participants), Producers: len(r.ListProducers(""))}
		return nil
	})
	return info, err == nil
}
