package signal

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/protocol"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.CreateTransportRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	dir, err := domain.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	params, err := ctl.Orch.CreateTransport(ctx, s.pid, req.RoomID, dir)
	if err != nil {
		return nil, err
	}
	return protocol.CreateTransportResponse(params), nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.ConnectTransportRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	err := ctl.Orch.ConnectTransport(ctx, s.pid, req.RoomID, req.TransportID, media.ConnectParams{
		DtlsParameters: req.DtlsParameters,
		IceParameters:  req.IceParameters,
		IceCandidates:  req.IceCandidates,
	})
	if err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.ProduceRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	id, err := ctl.Orch.Produce(ctx, s.pid, req.RoomID, req.TransportID, kind, req.RtpParameters)
	if err != nil {
		return nil, err
	}
	return protocol.ProduceResponse{ID: id}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.ConsumeRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	res, err := ctl.Orch.Consume(ctx, s.pid, req.RoomID, req.TransportID, req.ProducerID, req.Capabilities)
	if err != nil {
		return nil, err
	}
	return protocol.ConsumeResponse{
		ID:            res.ID,
		ProducerID:    res.ProducerID,
		Kind:          res.Kind,
		RtpParameters: res.RtpParameters,
	}, nil
}

func (ctl *SignalWSController) handleCloseProducer(ctx context.Context, s *session, env protocol.Envelope) (any, error) {
	var req protocol.CloseProducerRequest
	if err := protocol.Decode(env.Data, &req); err != nil {
		return nil, err
	}
	if err := ctl.Orch.CloseProducer(ctx, s.pid, req.RoomID, req.ProducerID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
