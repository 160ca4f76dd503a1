package orch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/media/mediatest"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type delivery struct {
	to domain.ParticipantID
	ev protocol.Event
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) Notify(to domain.ParticipantID, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{to: to, ev: ev})
}

func (r *recorder) For(pid domain.ParticipantID) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, d := range r.got {
		if d.to == pid {
			out = append(out, d.ev)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *mediatest.Engine
	o      *orch.Orchestrator
	events *recorder
	room   domain.RoomID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := mediatest.NewEngine()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		engine: engine,
		events: &recorder{},
	}
	f.o = &orch.Orchestrator{Rooms: core.NewRegistry(engine), Notifier: f.events}
	id, err := f.o.CreateRoom(f.ctx)
	require.NoError(t, err)
	f.room = id
	return f
}

func (f *fixture) join(pid domain.ParticipantID) orch.JoinResult {
	f.t.Helper()
	res, err := f.o.Join(f.ctx, pid, f.room)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) transport(pid domain.ParticipantID, dir domain.Direction) domain.TransportID {
	f.t.Helper()
	params, err := f.o.CreateTransport(f.ctx, pid, f.room, dir)
	require.NoError(f.t, err)
	require.NoError(f.t, f.o.ConnectTransport(f.ctx, pid, f.room, domain.TransportID(params.ID), media.ConnectParams{
		DtlsParameters: media.DtlsParameters{Role: "auto", Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}}},
	}))
	return domain.TransportID(params.ID)
}

func (f *fixture) produce(pid domain.ParticipantID, tid domain.TransportID) domain.ProducerID {
	f.t.Helper()
	id, err := f.o.Produce(f.ctx, pid, f.room, tid, domain.KindAudio, mediatest.AudioParams(1111))
	require.NoError(f.t, err)
	return id
}

func (f *fixture) router() *mediatest.Router {
	routers := f.engine.Routers()
	return routers[len(routers)-1]
}

func TestJoinPublishConsumeDisconnect(t *testing.T) {
	f := newFixture(t)

	f.join("A")
	sendA := f.transport("A", domain.DirectionSend)
	p1 := f.produce("A", sendA)

	res := f.join("B")
	assert.Equal(t, mediatest.DefaultCapabilities(), res.RtpCapabilities)
	require.Equal(t, []domain.ProducerInfo{{ProducerID: p1, ParticipantID: "A", Kind: domain.KindAudio}}, res.ExistingProducers)

	f.o.SendBacklog("B", res.ExistingProducers)
	require.Equal(t, []protocol.Event{protocol.ExistingProducersEvent(res.ExistingProducers)}, f.events.For("B"))

	recvB := f.transport("B", domain.DirectionRecv)
	c, err := f.o.Consume(f.ctx, "B", f.room, recvB, p1, mediatest.DefaultCapabilities())
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, c.Kind)
	assert.Equal(t, p1, c.ProducerID)
	assert.NotEmpty(t, c.ID)

	f.o.Disconnect(f.ctx, "A")

	evs := f.events.For("B")
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.ProducersClosedEvent{ParticipantID: "A", ProducerIDs: []domain.ProducerID{p1}}, evs[1])

	pr, ok := f.router().Producer(p1)
	require.True(t, ok)
	assert.True(t, pr.Closed())
	assert.Empty(t, f.o.Rooms.RoomsOf("A"))
	assert.Equal(t, []domain.RoomID{f.room}, f.o.Rooms.RoomsOf("B"))
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Join(f.ctx, "A", "nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, "Room not found", domain.MessageOf(err))
}

func TestSendBacklogSkipsEmpty(t *testing.T) {
	f := newFixture(t)
	res := f.join("A")
	f.o.SendBacklog("A", res.ExistingProducers)
	assert.Empty(t, f.events.For("A"))
}

func TestNewProducerNeverReachesOwner(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	f.join("C")
	p := f.produce("A", f.transport("A", domain.DirectionSend))

	want := protocol.NewProducerEvent{ProducerID: p, ParticipantID: "A", Kind: domain.KindAudio}
	assert.Empty(t, f.events.For("A"))
	assert.Equal(t, []protocol.Event{want}, f.events.For("B"))
	assert.Equal(t, []protocol.Event{want}, f.events.For("C"))
}

func TestConsumeOwnProducerRejected(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	p := f.produce("A", f.transport("A", domain.DirectionSend))
	recv := f.transport("A", domain.DirectionRecv)

	_, err := f.o.Consume(f.ctx, "A", f.room, recv, p, mediatest.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrSelfConsume)
}

func TestConsumeClosedProducer(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	p := f.produce("A", f.transport("A", domain.DirectionSend))
	recv := f.transport("B", domain.DirectionRecv)

	require.NoError(t, f.o.CloseProducer(f.ctx, "A", f.room, p))

	_, err := f.o.Consume(f.ctx, "B", f.room, recv, p, mediatest.DefaultCapabilities())
	require.Error(t, err)
	assert.Contains(t, []string{"Producer not found", "Producer is closed"}, domain.MessageOf(err))
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestConsumeCapabilityMismatch(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	p := f.produce("A", f.transport("A", domain.DirectionSend))
	recv := f.transport("B", domain.DirectionRecv)

	videoOnly := media.RtpCapabilities{Codecs: []media.RtpCodecCapability{{Kind: "video", MimeType: "video/VP8", ClockRate: 90000}}}
	_, err := f.o.Consume(f.ctx, "B", f.room, recv, p, videoOnly)
	assert.ErrorIs(t, err, domain.ErrCannotConsume)
	assert.False(t, domain.Retryable(err))
}

func TestTransportDirectionEnforced(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	send := f.transport("A", domain.DirectionSend)
	recvA := f.transport("A", domain.DirectionRecv)
	p := f.produce("A", send)

	_, err := f.o.Produce(f.ctx, "A", f.room, recvA, domain.KindAudio, mediatest.AudioParams(1))
	assert.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))

	sendB := f.transport("B", domain.DirectionSend)
	_, err = f.o.Consume(f.ctx, "B", f.room, sendB, p, mediatest.DefaultCapabilities())
	assert.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))
}

func TestTransportOfAnotherParticipant(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	sendA := f.transport("A", domain.DirectionSend)

	_, err := f.o.Produce(f.ctx, "B", f.room, sendA, domain.KindAudio, mediatest.AudioParams(1))
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	err = f.o.ConnectTransport(f.ctx, "B", f.room, sendA, media.ConnectParams{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestCreateTransportTwiceClosesFirst(t *testing.T) {
	f := newFixture(t)
	f.join("A")

	first, err := f.o.CreateTransport(f.ctx, "A", f.room, domain.DirectionRecv)
	require.NoError(t, err)
	second, err := f.o.CreateTransport(f.ctx, "A", f.room, domain.DirectionRecv)
	require.NoError(t, err)

	t1, ok := f.router().Transport(domain.TransportID(first.ID))
	require.True(t, ok)
	t2, ok := f.router().Transport(domain.TransportID(second.ID))
	require.True(t, ok)
	assert.Equal(t, 1, t1.Closes())
	assert.Equal(t, 0, t2.Closes())

	err = f.o.ConnectTransport(f.ctx, "A", f.room, domain.TransportID(first.ID), media.ConnectParams{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestCreateTransportRequiresMembership(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.CreateTransport(f.ctx, "ghost", f.room, domain.DirectionSend)
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestEngineFailuresAreTagged(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	boom := errors.New("worker died")

	f.engine.Set(func(e *mediatest.Engine) { e.TransportErr = boom })
	_, err := f.o.CreateTransport(f.ctx, "A", f.room, domain.DirectionSend)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInfrastructure, domain.CodeOf(err))
	assert.Equal(t, "Failed to create transport", domain.MessageOf(err))
	assert.ErrorIs(t, err, boom)
	f.engine.Set(func(e *mediatest.Engine) { e.TransportErr = nil })

	send := f.transport("A", domain.DirectionSend)
	f.engine.Set(func(e *mediatest.Engine) { e.ProduceErr = boom })
	_, err = f.o.Produce(f.ctx, "A", f.room, send, domain.KindAudio, mediatest.AudioParams(1))
	assert.Equal(t, "Failed to produce", domain.MessageOf(err))
	assert.True(t, domain.Retryable(err))
}

func TestCloseProducerOwnerOnly(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	p := f.produce("A", f.transport("A", domain.DirectionSend))

	assert.ErrorIs(t, f.o.CloseProducer(f.ctx, "B", f.room, p), domain.ErrProducerNotFound)
	require.NoError(t, f.o.CloseProducer(f.ctx, "A", f.room, p))

	evs := f.events.For("B")
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.ProducersClosedEvent{ParticipantID: "A", ProducerIDs: []domain.ProducerID{p}}, evs[1])
	assert.Empty(t, f.o.Rooms.ListProducers(f.room, "B"))
}

func TestEngineEndedProducerIsAnnounced(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	p := f.produce("A", f.transport("A", domain.DirectionSend))
	recv := f.transport("B", domain.DirectionRecv)
	_, err := f.o.Consume(f.ctx, "B", f.room, recv, p, mediatest.DefaultCapabilities())
	require.NoError(t, err)

	pr, ok := f.router().Producer(p)
	require.True(t, ok)
	pr.End()

	evs := f.events.For("B")
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.ProducersClosedEvent{ParticipantID: "A", ProducerIDs: []domain.ProducerID{p}}, evs[1])
	assert.Empty(t, f.o.Rooms.ListProducers(f.room, "B"))

	require.NoError(t, f.o.Rooms.Do(f.room, func(r *core.Room) error {
		b, ok := r.Participant("B")
		require.True(t, ok)
		assert.Empty(t, b.Consumers())
		return nil
	}))
}

func TestLastLeaveDestroysRoom(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.produce("A", f.transport("A", domain.DirectionSend))

	require.NoError(t, f.o.Leave(f.ctx, "A", f.room))
	assert.Equal(t, 1, f.router().Closes())
	_, err := f.o.Join(f.ctx, "A", f.room)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	assert.ErrorIs(t, f.o.Leave(f.ctx, "A", f.room), domain.ErrRoomNotFound)
}

func TestDisconnectWithoutProducersStillNotifies(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")

	f.o.Disconnect(f.ctx, "B")
	assert.Equal(t, []protocol.Event{protocol.ProducersClosedEvent{ParticipantID: "B", ProducerIDs: []domain.ProducerID{}}}, f.events.For("A"))
}

func TestDisconnectSurvivesCloseFailures(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	f.transport("A", domain.DirectionSend)
	f.transport("A", domain.DirectionRecv)
	f.engine.Set(func(e *mediatest.Engine) { e.CloseErr = errors.New("stuck") })

	f.o.Disconnect(f.ctx, "A")
	assert.Empty(t, f.o.Rooms.RoomsOf("A"))
	info, ok := f.o.Rooms.Info(f.room)
	require.True(t, ok)
	assert.Equal(t, 1, info.Participants)
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newFixture(t)
	other, err := f.o.CreateRoom(f.ctx)
	require.NoError(t, err)

	f.join("A")
	_, err = f.o.Join(f.ctx, "B", other)
	require.NoError(t, err)
	f.produce("A", f.transport("A", domain.DirectionSend))

	assert.Empty(t, f.events.For("B"))
	assert.Empty(t, f.o.Rooms.ListProducers(other, "B"))
}

func TestReplacingSendTransportClosesItsProducers(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	sendA := f.transport("A", domain.DirectionSend)
	p := f.produce("A", sendA)
	recvB := f.transport("B", domain.DirectionRecv)
	_, err := f.o.Consume(f.ctx, "B", f.room, recvB, p, mediatest.DefaultCapabilities())
	require.NoError(t, err)

	_, err = f.o.CreateTransport(f.ctx, "A", f.room, domain.DirectionSend)
	require.NoError(t, err)

	evs := f.events.For("B")
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.ProducersClosedEvent{ParticipantID: "A", ProducerIDs: []domain.ProducerID{p}}, evs[1])
	assert.Empty(t, f.events.For("A"))

	pr, ok := f.router().Producer(p)
	require.True(t, ok)
	assert.True(t, pr.Closed())
	assert.Equal(t, 1, pr.Closes())

	tb, ok := f.router().Transport(recvB)
	require.True(t, ok)
	consumers := tb.Consumers()
	require.Len(t, consumers, 1)
	assert.Equal(t, 1, consumers[0].Closes())

	assert.Empty(t, f.o.Rooms.ListProducers(f.room, "B"))
	require.NoError(t, f.o.Rooms.Do(f.room, func(r *core.Room) error {
		a, _ := r.Participant("A")
		assert.Empty(t, a.Producers())
		b, _ := r.Participant("B")
		assert.Empty(t, b.Consumers())
		_, _, found := r.FindProducer(p)
		assert.False(t, found)
		return nil
	}))

	_, err = f.o.Consume(f.ctx, "B", f.room, recvB, p, mediatest.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestReplacingSendTransportWithoutProducersIsQuiet(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	f.transport("A", domain.DirectionSend)
	f.transport("A", domain.DirectionSend)
	assert.Empty(t, f.events.For("B"))
}

func TestReplacingRecvTransportDropsConsumers(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	p := f.produce("A", f.transport("A", domain.DirectionSend))
	recvB := f.transport("B", domain.DirectionRecv)
	_, err := f.o.Consume(f.ctx, "B", f.room, recvB, p, mediatest.DefaultCapabilities())
	require.NoError(t, err)

	fresh := f.transport("B", domain.DirectionRecv)

	old, ok := f.router().Transport(recvB)
	require.True(t, ok)
	assert.Equal(t, 1, old.Consumers()[0].Closes())
	assert.Empty(t, f.events.For("A"))
	require.NoError(t, f.o.Rooms.Do(f.room, func(r *core.Room) error {
		b, _ := r.Participant("B")
		assert.Empty(t, b.Consumers())
		return nil
	}))

	_, err = f.o.Consume(f.ctx, "B", f.room, fresh, p, mediatest.DefaultCapabilities())
	assert.NoError(t, err)
}

func TestConcurrentCreateTransportLeavesOneOpen(t *testing.T) {
	const n = 16
	f := newFixture(t)
	f.join("A")

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := f.o.CreateTransport(f.ctx, "A", f.room, domain.DirectionSend)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var current domain.TransportID
	require.NoError(t, f.o.Rooms.Do(f.room, func(r *core.Room) error {
		a, _ := r.Participant("A")
		current = a.Transport(domain.DirectionSend).ID()
		return nil
	}))

	transports := f.router().Transports()
	require.Len(t, transports, n)
	open := 0
	for _, tr := range transports {
		if tr.Closes() == 0 {
			open++
			assert.Equal(t, current, tr.ID())
			continue
		}
		assert.Equal(t, 1, tr.Closes(), tr.ID())
	}
	assert.Equal(t, 1, open)
}

func TestConcurrentJoinProduceAcrossRooms(t *testing.T) {
	const perRoom = 8
	f := newFixture(t)
	second, err := f.o.CreateRoom(f.ctx)
	require.NoError(t, err)
	rooms := []domain.RoomID{f.room, second}

	member := func(room, i int) domain.ParticipantID {
		return domain.ParticipantID(fmt.Sprintf("r%d-p%d", room, i))
	}

	var joins errgroup.Group
	for ri, room := range rooms {
		for i := 0; i < perRoom; i++ {
			pid := member(ri, i)
			joins.Go(func() error {
				_, err := f.o.Join(f.ctx, pid, room)
				return err
			})
		}
	}
	require.NoError(t, joins.Wait())

	var produces errgroup.Group
	for ri, room := range rooms {
		for i := 0; i < perRoom; i++ {
			pid := member(ri, i)
			produces.Go(func() error {
				params, err := f.o.CreateTransport(f.ctx, pid, room, domain.DirectionSend)
				if err != nil {
					return err
				}
				_, err = f.o.Produce(f.ctx, pid, room, domain.TransportID(params.ID), domain.KindAudio, mediatest.AudioParams(1))
				return err
			})
		}
	}
	require.NoError(t, produces.Wait())

	for ri, room := range rooms {
		info, ok := f.o.Rooms.Info(room)
		require.True(t, ok)
		assert.Equal(t, perRoom, info.Participants)
		assert.Len(t, f.o.Rooms.ListProducers(room, ""), perRoom)

		for i := 0; i < perRoom; i++ {
			pid := member(ri, i)
			evs := f.events.For(pid)
			require.Len(t, evs, perRoom-1, pid)
			for _, ev := range evs {
				np, ok := ev.(protocol.NewProducerEvent)
				require.True(t, ok)
				assert.NotEqual(t, pid, np.ParticipantID)
				assert.Equal(t, []domain.RoomID{room}, f.o.Rooms.RoomsOf(np.ParticipantID))
			}
		}
	}
}
