package app

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	cap  int
	sent [][]byte
}

func (s *fakeSender) TrySend(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) >= s.cap {
		return ErrBackpressure
	}
	s.sent = append(s.sent, b)
	return nil
}

func (s *fakeSender) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func TestNotifyDeliversEncodedEvent(t *testing.T) {
	reg := NewRegistry(nil)
	conn := &fakeSender{cap: 8}
	reg.Bind("a", "token", conn, nil)

	reg.Notify("a", protocol.NewProducerEvent{ProducerID: "p1", ParticipantID: "b", Kind: domain.KindVideo})

	frames := conn.frames()
	require.Len(t, frames, 1)
	env, err := protocol.ParseEnvelope(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeNewProducer, env.Type)
	assert.JSONEq(t, `{"producerId":"p1","participantId":"b","kind":"video"}`, string(env.Data))
}

func TestNotifyUnknownParticipantIsDropped(t *testing.T) {
	reg := NewRegistry(nil)
	assert.NotPanics(t, func() {
		reg.Notify("ghost", protocol.ProducersClosedEvent{ParticipantID: "a"})
	})
}

func TestNotifyBackpressureDropKeepsSession(t *testing.T) {
	reg := NewRegistry(SimplePolicy{})
	canceled := false
	reg.Bind("a", "", &fakeSender{cap: 0}, func() { canceled = true })

	reg.Notify("a", protocol.ProducersClosedEvent{ParticipantID: "b"})
	assert.False(t, canceled)
	assert.Equal(t, 1, reg.Len())
}

func TestNotifyBackpressureKick(t *testing.T) {
	reg := NewRegistry(KickPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	reg.Bind("a", "", &fakeSender{cap: 0}, cancel)

	reg.Notify("a", protocol.ProducersClosedEvent{ParticipantID: "b"})
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestBindUnbind(t *testing.T) {
	reg := NewRegistry(nil)
	conn := &fakeSender{cap: 1}
	reg.Bind("a", "tok", conn, nil)

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.True(t, reg.Cancel("a"))

	reg.Unbind("a")
	_, ok = reg.Get("a")
	assert.False(t, ok)
	assert.False(t, reg.Cancel("a"))
	assert.Zero(t, reg.Len())
}
