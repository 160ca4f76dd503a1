package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/media/mediatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newRoom(t *testing.T) (*core.Registry, *mediatest.Engine, domain.RoomID) {
	t.Helper()
	engine := mediatest.NewEngine()
	reg := core.NewRegistry(engine)
	id, err := reg.CreateRoom(context.Background())
	require.NoError(t, err)
	return reg, engine, id
}

func transport(t *testing.T, reg *core.Registry, id domain.RoomID, dir domain.Direction) media.Transport {
	t.Helper()
	var tr media.Transport
	require.NoError(t, reg.Do(id, func(r *core.Room) error {
		var err error
		tr, err = r.Router().CreateTransport(context.Background(), dir)
		return err
	}))
	return tr
}

// publish gives pid a send transport and one audio producer.
func publish(t *testing.T, reg *core.Registry, id domain.RoomID, pid domain.ParticipantID) media.Producer {
	t.Helper()
	tr := transport(t, reg, id, domain.DirectionSend)
	require.NoError(t, reg.SetTransport(id, pid, domain.DirectionSend, tr))
	pr, err := tr.Produce(context.Background(), domain.KindAudio, mediatest.AudioParams(1))
	require.NoError(t, err)
	require.NoError(t, reg.AddProducer(id, pid, pr))
	return pr
}

func subscribe(t *testing.T, reg *core.Registry, id domain.RoomID, pid domain.ParticipantID, producer domain.ProducerID) media.Consumer {
	t.Helper()
	tr := transport(t, reg, id, domain.DirectionRecv)
	require.NoError(t, reg.SetTransport(id, pid, domain.DirectionRecv, tr))
	c, err := tr.Consume(context.Background(), producer, mediatest.DefaultCapabilities())
	require.NoError(t, err)
	require.NoError(t, reg.AddConsumer(id, pid, c))
	return c
}

func TestCreateRoomEngineFailure(t *testing.T) {
	engine := mediatest.NewEngine()
	engine.RouterErr = errors.New("no workers")
	reg := core.NewRegistry(engine)

	_, err := reg.CreateRoom(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.CodeInfrastructure, domain.CodeOf(err))
	assert.Empty(t, reg.List())
}

func TestDoUnknownRoom(t *testing.T) {
	reg := core.NewRegistry(mediatest.NewEngine())
	err := reg.Do("missing", func(*core.Room) error { return nil })
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestAddParticipantIdempotent(t *testing.T) {
	reg, _, id := newRoom(t)

	require.NoError(t, reg.Do(id, func(r *core.Room) error {
		assert.True(t, r.AddParticipant("a"))
		assert.False(t, r.AddParticipant("a"))
		assert.Equal(t, 1, r.Len())
		return nil
	}))
	assert.Equal(t, []domain.RoomID{id}, reg.RoomsOf("a"))
}

func TestSetTransportReplacesAndClosesOnce(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))

	first := transport(t, reg, id, domain.DirectionSend)
	second := transport(t, reg, id, domain.DirectionSend)
	require.NoError(t, reg.SetTransport(id, "a", domain.DirectionSend, first))
	require.NoError(t, reg.SetTransport(id, "a", domain.DirectionSend, second))

	assert.Equal(t, 1, first.(*mediatest.Transport).Closes())
	assert.Equal(t, 0, second.(*mediatest.Transport).Closes())

	got, err := reg.GetTransportByID(id, "a", second.ID())
	require.NoError(t, err)
	assert.Equal(t, second.ID(), got.ID())

	_, err = reg.GetTransportByID(id, "a", first.ID())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestSetTransportUnknownParticipant(t *testing.T) {
	reg, _, id := newRoom(t)
	tr := transport(t, reg, id, domain.DirectionRecv)
	assert.ErrorIs(t, reg.SetTransport(id, "ghost", domain.DirectionRecv, tr), domain.ErrParticipantNotFound)
}

func TestGetTransportByIDIsOwnerScoped(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	require.NoError(t, reg.AddParticipant(id, "b"))
	tr := transport(t, reg, id, domain.DirectionRecv)
	require.NoError(t, reg.SetTransport(id, "a", domain.DirectionRecv, tr))

	_, err := reg.GetTransportByID(id, "b", tr.ID())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	_, err = reg.GetTransportByID(id, "ghost", tr.ID())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestListProducersExcludesSelfAndClosed(t *testing.T) {
	reg, _, id := newRoom(t)
	for _, pid := range []domain.ParticipantID{"a", "b", "c"} {
		require.NoError(t, reg.AddParticipant(id, pid))
	}
	pa := publish(t, reg, id, "a")
	pb := publish(t, reg, id, "b")

	assert.ElementsMatch(t, []domain.ProducerInfo{
		{ProducerID: pa.ID(), ParticipantID: "a", Kind: domain.KindAudio},
	}, reg.ListProducers(id, "b"))
	assert.Len(t, reg.ListProducers(id, "c"), 2)

	require.NoError(t, pb.Close())
	assert.Len(t, reg.ListProducers(id, "c"), 1)

	assert.Nil(t, reg.ListProducers("missing", "c"))
}

func TestRemoveLastParticipantDestroysRoom(t *testing.T) {
	reg, engine, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	pr := publish(t, reg, id, "a")

	ids, err := reg.RemoveParticipant(id, "a")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProducerID{pr.ID()}, ids)
	assert.Equal(t, 1, pr.(*mediatest.Producer).Closes())

	_, ok := reg.GetRoom(id)
	assert.False(t, ok)
	require.Len(t, engine.Routers(), 1)
	assert.Equal(t, 1, engine.Routers()[0].Closes())
	assert.ErrorIs(t, reg.AddParticipant(id, "a"), domain.ErrRoomNotFound)

	again, err := reg.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
	require.Len(t, engine.Routers(), 2)
	assert.Equal(t, 0, engine.Routers()[1].Closes())
}

func TestRemoveParticipantClosesDependentConsumers(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	require.NoError(t, reg.AddParticipant(id, "b"))
	pr := publish(t, reg, id, "a")
	c := subscribe(t, reg, id, "b", pr.ID())

	_, err := reg.RemoveParticipant(id, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, c.(*mediatest.Consumer).Closes())

	info, ok := reg.Info(id)
	require.True(t, ok)
	assert.Equal(t, 1, info.Participants)
	assert.Equal(t, 0, info.Producers)
}

func TestRemoveParticipantUnknown(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	_, err := reg.RemoveParticipant(id, "ghost")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRemoveParticipantToleratesCloseFailures(t *testing.T) {
	reg, engine, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	send := transport(t, reg, id, domain.DirectionSend)
	recv := transport(t, reg, id, domain.DirectionRecv)
	require.NoError(t, reg.SetTransport(id, "a", domain.DirectionSend, send))
	require.NoError(t, reg.SetTransport(id, "a", domain.DirectionRecv, recv))
	engine.Set(func(e *mediatest.Engine) { e.CloseErr = errors.New("engine gone") })

	_, err := reg.RemoveParticipant(id, "a")
	require.Error(t, err)

	assert.Equal(t, 1, send.(*mediatest.Transport).Closes())
	assert.Equal(t, 1, recv.(*mediatest.Transport).Closes())
	assert.Equal(t, 1, engine.Routers()[0].Closes())
	_, ok := reg.GetRoom(id)
	assert.False(t, ok)
	assert.Empty(t, reg.RoomsOf("a"))
}

func TestCloseProducerClosesConsumers(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	require.NoError(t, reg.AddParticipant(id, "b"))
	pr := publish(t, reg, id, "a")
	c := subscribe(t, reg, id, "b", pr.ID())

	require.NoError(t, reg.Do(id, func(r *core.Room) error {
		owner, err := r.CloseProducer(pr.ID())
		assert.Equal(t, domain.ParticipantID("a"), owner)
		return err
	}))
	assert.True(t, pr.Closed())
	assert.Equal(t, 1, c.(*mediatest.Consumer).Closes())

	err := reg.Do(id, func(r *core.Room) error {
		_, err := r.CloseProducer(pr.ID())
		return err
	})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestAddConsumerReplacesSameProducer(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	require.NoError(t, reg.AddParticipant(id, "b"))
	pr := publish(t, reg, id, "a")
	first := subscribe(t, reg, id, "b", pr.ID())
	second := subscribe(t, reg, id, "b", pr.ID())

	assert.Equal(t, 1, first.(*mediatest.Consumer).Closes())
	assert.Equal(t, 0, second.(*mediatest.Consumer).Closes())
	require.NoError(t, reg.Do(id, func(r *core.Room) error {
		p, ok := r.Participant("b")
		require.True(t, ok)
		assert.Len(t, p.Consumers(), 1)
		return nil
	}))
}

func TestListRooms(t *testing.T) {
	reg, _, id := newRoom(t)
	require.NoError(t, reg.AddParticipant(id, "a"))
	publish(t, reg, id, "a")

	assert.Equal(t, []domain.RoomInfo{{ID: id, Participants: 1, Producers: 1}}, reg.List())
	_, ok := reg.Info("missing")
	assert.False(t, ok)
}

func TestConcurrentMembershipIsSerialised(t *testing.T) {
	const n = 32
	reg, engine, id := newRoom(t)

	var adds errgroup.Group
	for i := 0; i < n; i++ {
		pid := domain.ParticipantID(fmt.Sprintf("p%d", i))
		adds.Go(func() error { return reg.AddParticipant(id, pid) })
	}
	require.NoError(t, adds.Wait())

	info, ok := reg.Info(id)
	require.True(t, ok)
	assert.Equal(t, n, info.Participants)

	var removes errgroup.Group
	for i := 0; i < n; i++ {
		pid := domain.ParticipantID(fmt.Sprintf("p%d", i))
		removes.Go(func() error {
			_, err := reg.RemoveParticipant(id, pid)
			return err
		})
	}
	require.NoError(t, removes.Wait())

	_, ok = reg.GetRoom(id)
	assert.False(t, ok)
	assert.Equal(t, 1, engine.Routers()[0].Closes())
}
