package sfu

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	// TrackStatePaused is the initial state: the consumer exists but no
	// packets are forwarded until it is resumed.
	TrackStatePaused TrackState = iota
	TrackStateOk
	TrackStateDelete
)

// OutTrack is the forwarding end of one consumer.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is TrackStatePaused
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk resumes forwarding. A deleted track stays deleted.
func (ot *OutTrack) MarkOk() bool {
	return ot.state.CompareAndSwap(int32(TrackStatePaused), int32(TrackStateOk)) ||
		ot.GetState() == TrackStateOk
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
