package app

import (
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a participant whose outbound queue is
// full when a push event is due.
type Policy interface {
	OnBackPressure(pid domain.ParticipantID, ev protocol.Event) BackpressureAction
}

// SimplePolicy drops the event; push delivery is at most once and the
// client recovers on its own.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ParticipantID, protocol.Event) BackpressureAction {
	return DropFrame
}

// KickPolicy disconnects slow receivers so they rejoin with a fresh backlog.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(domain.ParticipantID, protocol.Event) BackpressureAction {
	return KickMember
}
