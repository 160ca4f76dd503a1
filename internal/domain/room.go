package domain

import (
	"strings"

	"github.com/google/uuid"
)

type (
	RoomID        string
	ParticipantID string
	TransportID   string
	ProducerID    string
	ConsumerID    string
)

// NewRoomID returns a fresh opaque room identifier.
func NewRoomID() RoomID { return RoomID(uuid.NewString()) }

// NewParticipantID returns a fresh connection-session id.
// A reconnecting client always gets a new one.
func NewParticipantID() ParticipantID { return ParticipantID(uuid.NewString()) }

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// ParseDirection accepts "send", "recv" and "receive".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "send":
		return DirectionSend, nil
	case "recv", "receive":
		return DirectionRecv, nil
	}
	return "", NewError(CodeBadRequest, "invalid direction", nil)
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", NewError(CodeBadRequest, "invalid kind", nil)
}

// ProducerInfo is a producer tagged with its owner.
type ProducerInfo struct {
	ProducerID    ProducerID    `json:"producerId"`
	ParticipantID ParticipantID `json:"participantId"`
	Kind          Kind          `json:"kind,omitempty"`
}

type RoomInfo struct {
	ID           RoomID `json:"id"`
	Participants int    `json:"participants"`
	Producers    int    `json:"producers"`
}
