package signal

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

var errRateLimited = domain.NewError(domain.CodeBadRequest, "Too many rooms created, try again later", nil)

// joinReply carries the join backlog next to the response so it can be
// pushed right after the reply is queued.
type joinReply struct {
	protocol.JoinRoomResponse
	backlog []domain.ProducerInfo
}

func (ctl *SignalWSController) createRoom(ctx context.Context, s *session, _ protocol.Envelope) (any, error) {
	if !ctl.Limiter.Allow(s.pid) {
		log.Warn().Str("module", "signal").Str("sid", string(s.pid)).Msg("create-room rate limited")
		return nil, errRateLimited
	}
	id, err := ctl.Orch.CreateRoom(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("sid", string(s.pid)).Str("room_id", string(id)).Msg("room created")
	return protocol.CreateRoomResponse{RoomID: id}, nil
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.JoinRoomRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	res, err := ctl.Orch.Join(ctx, s.pid, req.RoomID)
	if err != nil {
		return nil, err
	}
	return joinReply{
		JoinRoomResponse: protocol.JoinRoomResponse{
			ParticipantID:      s.pid,
			RouterCapabilities: res.RtpCapabilities,
		},
		backlog: res.ExistingProducers,
	}, nil
}

// handleLeave leaves one room; the connection stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.LeaveRoomRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	if err := ctl.Orch.Leave(ctx, s.pid, req.RoomID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
