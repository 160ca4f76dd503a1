package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyConnected = domain.NewError(domain.CodeBadRequest, "transport already connected", nil)
	ErrIceRequired      = domain.NewError(domain.CodeBadRequest, "iceParameters required", nil)
	ErrEndpointClosed   = domain.NewError(domain.CodeNotFound, "transport closed", nil)
)

// Endpoint is one ICE+DTLS transport built with the pion ORTC API. It
// gathers local candidates on creation and connects once the remote side
// has been applied with Start.
type Endpoint struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	logger   zerolog.Logger

	iceParams  media.IceParameters
	candidates []media.IceCandidate
	dtlsParams media.DtlsParameters

	mu      sync.Mutex
	state   media.TransportState
	started bool

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEndpoint gathers candidates and blocks until gathering completes or
// ctx ends.
func NewEndpoint(ctx context.Context, api *webrtc.API, cfg Config, logger zerolog.Logger) (*Endpoint, error) {
	gatherer, err := api.NewICEGatherer(cfg.gatherOptions())
	if err != nil {
		return nil, err
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	e := &Endpoint{
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		logger:    logger,
		state:     media.TransportNew,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		e.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed {
			e.setState(media.TransportFailed)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		e.logger.Debug().Str("dtls_state", s.String()).Msg("DTLS state")
		if s == webrtc.DTLSTransportStateFailed {
			e.setState(media.TransportFailed)
		}
	})

	if err := gatherer.Gather(); err != nil {
		_ = e.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = e.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	iceParams.ICELite = cfg.Lite
	cands, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.iceParams = iceParameters(iceParams)
	e.candidates = iceCandidates(cands)
	e.dtlsParams = dtlsParameters(dtlsParams)
	return e, nil
}

// Local returns the parameters the far side needs, without an id.
func (e *Endpoint) Local() media.TransportParams {
	return media.TransportParams{
		IceParameters:  e.iceParams,
		IceCandidates:  e.candidates,
		DtlsParameters: e.dtlsParams,
	}
}

// Start applies the remote parameters and runs the ICE and DTLS handshakes
// in the background. It only validates synchronously; Connected fires
// once media can flow.
func (e *Endpoint) Start(remote media.ConnectParams, role webrtc.ICERole) error {
	if remote.IceParameters == nil {
		return ErrIceRequired
	}
	cands, err := fromIceCandidates(remote.IceCandidates)
	if err != nil {
		return domain.NewError(domain.CodeBadRequest, "invalid iceCandidates", err)
	}

	e.mu.Lock()
	switch {
	case e.state == media.TransportClosed:
		e.mu.Unlock()
		return ErrEndpointClosed
	case e.started:
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.started = true
	e.state = media.TransportConnecting
	e.mu.Unlock()

	go e.run(fromIceParameters(*remote.IceParameters), cands, fromDtlsParameters(remote.DtlsParameters), role)
	return nil
}

func (e *Endpoint) run(iceParams webrtc.ICEParameters, cands []webrtc.ICECandidate, dtlsParams webrtc.DTLSParameters, role webrtc.ICERole) {
	if len(cands) > 0 {
		if err := e.ice.SetRemoteCandidates(cands); err != nil {
			e.fail("set remote candidates", err)
			return
		}
	}
	if err := e.ice.Start(nil, iceParams, &role); err != nil {
		e.fail("ice start", err)
		return
	}
	if err := e.dtls.Start(dtlsParams); err != nil {
		e.fail("dtls start", err)
		return
	}
	if e.setState(media.TransportConnected) {
		close(e.connected)
		e.logger.Info().Msg("transport connected")
	}
}

func (e *Endpoint) fail(step string, err error) {
	if e.setState(media.TransportFailed) {
		e.logger.Error().Err(err).Str("step", step).Msg("transport handshake failed")
	}
}

// setState records s unless the endpoint is already closed.
func (e *Endpoint) setState(s media.TransportState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == media.TransportClosed {
		return false
	}
	e.state = s
	return true
}

func (e *Endpoint) State() media.TransportState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connected is closed once both handshakes succeeded.
func (e *Endpoint) Connected() <-chan struct{} { return e.connected }

// Done is closed by Close.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) NewReceiver(kind domain.Kind) (*webrtc.RTPReceiver, error) {
	return e.api.NewRTPReceiver(CodecType(string(kind)), e.dtls)
}

func (e *Endpoint) NewSender(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return e.api.NewRTPSender(track, e.dtls)
}

func (e *Endpoint) WriteRTCP(pkts []rtcp.Packet) error {
	_, err := e.dtls.WriteRTCP(pkts)
	return err
}

func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = media.TransportClosed
		e.mu.Unlock()
		close(e.done)

		err = errors.Join(e.dtls.Stop(), e.ice.Stop())
		// The ICE transport usually closed the gatherer already.
		_ = e.gatherer.Close()
		if err != nil {
			e.logger.Error().Err(err).Msg("close error")
		} else {
			e.logger.Info().Msg("closed")
		}
	})
	return err
}
