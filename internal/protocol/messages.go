// Package protocol is the closed set of signaling messages exchanged over
// the WebSocket. Requests carry a correlation id echoed by their single
// response; events carry none and expect no reply.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
)

type MessageType string

// Requests.
const (
	TypeCreateRoom       MessageType = "create-room"
	TypeJoinRoom         MessageType = "join-room"
	TypeLeaveRoom        MessageType = "leave-room"
	TypeCreateTransport  MessageType = "create-transport"
	TypeConnectTransport MessageType = "connect-transport"
	TypeProduce          MessageType = "produce"
	TypeConsume          MessageType = "consume"
	TypeCloseProducer    MessageType = "close-producer"
	TypeWhoAmI           MessageType = "whoami"
	TypePing             MessageType = "ping"
)

// Replies and server pushes.
const (
	TypeResponse          MessageType = "response"
	TypeNewProducer       MessageType = "new-producer"
	TypeExistingProducers MessageType = "existing-producers"
	TypeProducersClosed   MessageType = "producers-closed"
)

// IsRequest reports whether t is one of the request types.
func IsRequest(t MessageType) bool {
	switch t {
	case TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeCreateTransport, TypeConnectTransport,
		TypeProduce, TypeConsume, TypeCloseProducer, TypeWhoAmI, TypePing:
		return true
	}
	return false
}

// Envelope is the frame every message travels in.
type Envelope struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  domain.Code     `json:"code,omitempty"`
}

type CreateRoomResponse struct {
	RoomID domain.RoomID `json:"roomId"`
}

type JoinRoomRequest struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
}

type JoinRoomResponse struct {
	ParticipantID      domain.ParticipantID  `json:"participantId"`
	RouterCapabilities media.RtpCapabilities `json:"routerCapabilities"`
}

type LeaveRoomRequest struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
}

type CreateTransportRequest struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required"`
	Direction string        `json:"direction" validate:"required,oneof=send recv receive"`
}

type CreateTransportResponse = media.TransportParams

type ConnectTransportRequest struct {
	RoomID         domain.RoomID        `json:"roomId" validate:"required"`
	TransportID    domain.TransportID   `json:"transportId" validate:"required"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *media.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates,omitempty"`
}

type ProduceRequest struct {
	RoomID        domain.RoomID       `json:"roomId" validate:"required"`
	TransportID   domain.TransportID  `json:"transportId" validate:"required"`
	Kind          string              `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type ProduceResponse struct {
	ID domain.ProducerID `json:"id"`
}

type ConsumeRequest struct {
	RoomID       domain.RoomID         `json:"roomId" validate:"required"`
	TransportID  domain.TransportID    `json:"transportId" validate:"required"`
	ProducerID   domain.ProducerID     `json:"producerId" validate:"required"`
	Capabilities media.RtpCapabilities `json:"capabilities"`
}

type ConsumeResponse struct {
	ID            domain.ConsumerID   `json:"id"`
	ProducerID    domain.ProducerID   `json:"producerId"`
	Kind          domain.Kind         `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type CloseProducerRequest struct {
	RoomID     domain.RoomID     `json:"roomId" validate:"required"`
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

type WhoAmIResponse struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Rooms         []domain.RoomID      `json:"rooms"`
}

type PongResponse struct {
	Time int64 `json:"time"`
}

// Event is a server push.
type Event interface {
	EventType() MessageType
}

type NewProducerEvent domain.ProducerInfo

func (NewProducerEvent) EventType() MessageType { return TypeNewProducer }

type ExistingProducersEvent []domain.ProducerInfo

func (ExistingProducersEvent) EventType() MessageType { return TypeExistingProducers }

type ProducersClosedEvent struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	ProducerIDs   []domain.ProducerID  `json:"producerIds"`
}

func (ProducersClosedEvent) EventType() MessageType { return TypeProducersClosed }
