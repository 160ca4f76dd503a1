package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// Sender is the outbound half of a signaling connection.
type Sender interface {
	TrySend([]byte) error
}

type sessionEntry struct {
	Token  string
	Conn   Sender
	Cancel context.CancelFunc
}

// Registry maps live signaling sessions to their connections and delivers
// push events to them.
type Registry struct {
	Policy Policy

	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*sessionEntry
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Registry{
		Policy:   policy,
		sessions: make(map[domain.ParticipantID]*sessionEntry),
	}
}

// Bind registers a connection. token is the browser's cookie token and is
// only kept for logs.
func (r *Registry) Bind(pid domain.ParticipantID, token string, conn Sender, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[pid] = &sessionEntry{Token: token, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(pid)).Str("token", token).Msg("bound signal")
}

func (r *Registry) Unbind(pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, pid)
	log.Info().Str("module", "app.registry").Str("sid", string(pid)).Msg("unbind session")
}

func (r *Registry) Get(pid domain.ParticipantID) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[pid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the session's pumps; the read loop then runs the normal
// disconnect path.
func (r *Registry) Cancel(pid domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.sessions[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(pid)).Msg("canceled session")
	return true
}

// Notify implements orch.Notifier. It never blocks.
func (r *Registry) Notify(to domain.ParticipantID, ev protocol.Event) {
	conn, ok := r.Get(to)
	if !ok {
		metrics.EventsDroppedTotal.WithLabelValues(string(ev.EventType())).Inc()
		return
	}
	b, err := protocol.NewEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("encode event")
		return
	}
	if err := conn.TrySend(b); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(string(ev.EventType())).Inc()
		log.Warn().Err(err).Str("module", "app.registry").Str("sid", string(to)).
			Str("event", string(ev.EventType())).Msg("event dropped")
		if r.Policy.OnBackPressure(to, ev) == KickMember {
			r.Cancel(to)
		}
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(string(ev.EventType()), "out").Inc()
}
