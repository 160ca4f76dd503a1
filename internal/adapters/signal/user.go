package signal

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

func (ctl *SignalWSController) handleWhoAmI(_ context.Context, s *session, _ protocol.Envelope) (any, error) {
	rooms := ctl.Orch.Rooms.RoomsOf(s.pid)
	if rooms == nil {
		rooms = []domain.RoomID{}
	}
	return protocol.WhoAmIResponse{ParticipantID: s.pid, Rooms: rooms}, nil
}
