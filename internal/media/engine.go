// Package media defines the contract the orchestrator consumes from an SFU
// media engine, plus the wire-neutral value types exchanged with clients.
package media

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

// Engine allocates routing contexts, one per room.
type Engine interface {
	CreateRouter(ctx context.Context) (Router, error)
}

// Router is a media routing context. It is created once per room and
// closed when the room is destroyed.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateTransport(ctx context.Context, dir domain.Direction) (Transport, error)
	// CanConsume is the compatibility predicate between a producer and a
	// subscriber's capability set.
	CanConsume(producerID domain.ProducerID, caps RtpCapabilities) bool
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	Params() TransportParams
	State() TransportState
	Connect(ctx context.Context, p ConnectParams) error
	Produce(ctx context.Context, kind domain.Kind, params RtpParameters) (Producer, error)
	// Consume creates a paused consumer of producerID.
	Consume(ctx context.Context, producerID domain.ProducerID, caps RtpCapabilities) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Closed() bool
	// OnClose registers a callback fired once when the engine closes the
	// producer on its own (source track ended). It is not fired by Close.
	OnClose(fn func())
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Paused() bool
	Resume() error
	Close() error
}
