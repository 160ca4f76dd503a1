// Package sfu is the pion-backed media engine: routers hold producers,
// transports are ORTC endpoints and every consumer is a local track fed by
// its producer's relay loop.
package sfu

import (
	"context"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/media"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	cfg  rtc.Config
	api  *webrtc.API
	caps media.RtpCapabilities
}

// NewEngine builds the engine. Servers always run ICE lite.
func NewEngine(cfg rtc.Config) (*Engine, error) {
	cfg.Lite = true
	api, err := rtc.NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, api: api, caps: cfg.Capabilities()}, nil
}

func (e *Engine) CreateRouter(_ context.Context) (media.Router, error) {
	r := newRouter(e)
	log.Info().Str("module", "sfu").Str("router_id", r.id).Msg("router created")
	return r, nil
}

func newID() string { return uuid.NewString() }

var _ media.Engine = (*Engine)(nil)
