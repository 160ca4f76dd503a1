package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type handlerFunc func(ctx context.Context, s *session, env protocol.Envelope) (any, error)

func (ctl *SignalWSController) handlers() map[protocol.MessageType]handlerFunc {
	return map[protocol.MessageType]handlerFunc{
		protocol.TypeCreateRoom:       ctl.createRoom,
		protocol.TypeJoinRoom:         ctl.handleJoin,
		protocol.TypeLeaveRoom:        ctl.handleLeave,
		protocol.TypeCreateTransport:  ctl.handleCreateTransport,
		protocol.TypeConnectTransport: ctl.handleConnectTransport,
		protocol.TypeProduce:          ctl.handleProduce,
		protocol.TypeConsume:          ctl.handleConsume,
		protocol.TypeCloseProducer:    ctl.handleCloseProducer,
		protocol.TypeWhoAmI:           ctl.handleWhoAmI,
		protocol.TypePing:             ctl.handlePing,
	}
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	// Closing the socket also unblocks the read pump.
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, s *session) {
	handlers := ctl.handlers()
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(s.pid)).Msg("readPump closing")
		cancel()
		s.inflight.Wait()
		ctl.Orch.Disconnect(context.Background(), s.pid)
		ctl.Sessions.Unbind(s.pid)
		ctl.Limiter.Forget(s.pid)
		s.conn.Close()
		metrics.ActiveSignalConnections.Dec()
	}()

	for {
		_, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(s.pid)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, s, handlers, data)
	}
}

// handleSignal parses one frame and runs its handler on its own goroutine.
// Requests of one connection may therefore complete out of order; every
// one of them still gets exactly one reply.
func (ctl *SignalWSController) handleSignal(ctx context.Context, s *session, handlers map[protocol.MessageType]handlerFunc, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.pid)).Msg("bad json")
		if env.ID != "" {
			ctl.replyErr(ctx, s, env, err)
		}
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(string(env.Type), "in").Inc()

	h, ok := handlers[env.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.replyErr(ctx, s, env, domain.NewError(domain.CodeBadRequest, "unknown type", nil))
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctl.serve(ctx, s, env, h)
	}()
}

func (ctl *SignalWSController) serve(ctx context.Context, s *session, env protocol.Envelope, h handlerFunc) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("sid", string(s.pid)).Str("type", string(env.Type)).
				Str("panic", fmt.Sprint(r)).Msg("handler panic")
			ctl.replyErr(ctx, s, env, domain.Infrastructure("Internal error", nil))
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, ctl.timeout())
	defer cancel()
	resp, err := h(rctx, s, env)
	metrics.RequestDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		ctl.replyErr(ctx, s, env, err)
		return
	}
	ctl.reply(ctx, s, env, resp)

	if j, ok := resp.(joinReply); ok {
		ctl.Orch.SendBacklog(s.pid, j.backlog)
	}
}

func (ctl *SignalWSController) reply(ctx context.Context, s *session, env protocol.Envelope, resp any) {
	b, err := protocol.NewResponse(env.ID, resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode response")
		ctl.replyErr(ctx, s, env, domain.Infrastructure("Internal error", err))
		return
	}
	ctl.send(ctx, s, b)
}

func (ctl *SignalWSController) replyErr(ctx context.Context, s *session, env protocol.Envelope, err error) {
	code := domain.CodeOf(err)
	metrics.RequestErrorsTotal.WithLabelValues(string(env.Type), string(code)).Inc()
	log.Debug().Err(err).Str("module", "signal").Str("sid", string(s.pid)).Str("type", string(env.Type)).
		Str("code", string(code)).Msg("request failed")

	b, mErr := protocol.NewErrorResponse(env.ID, err)
	if mErr != nil {
		log.Error().Err(mErr).Str("module", "signal").Msg("encode error response")
		return
	}
	ctl.send(ctx, s, b)
}

func (ctl *SignalWSController) send(ctx context.Context, s *session, b []byte) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Send(sctx, b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.pid)).Msg("reply dropped")
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(string(protocol.TypeResponse), "out").Inc()
}
