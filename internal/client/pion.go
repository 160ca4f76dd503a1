package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PionTransportFactory builds local transports on the pion ORTC API. The
// client side is a full ICE agent in the controlling role.
type PionTransportFactory struct {
	cfg rtc.Config
	api *webrtc.API
}

func NewPionTransportFactory(cfg rtc.Config) (*PionTransportFactory, error) {
	cfg.Lite = false
	api, err := rtc.NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &PionTransportFactory{cfg: cfg, api: api}, nil
}

func (f *PionTransportFactory) Capabilities() media.RtpCapabilities { return f.cfg.Capabilities() }

func (f *PionTransportFactory) NewTransport(ctx context.Context, dir domain.Direction, remote media.TransportParams) (LocalTransport, media.ConnectParams, error) {
	logger := log.With().Str("module", "client.rtc").Str("transport_id", remote.ID).Str("direction", string(dir)).Logger()
	ep, err := rtc.NewEndpoint(ctx, f.api, f.cfg, logger)
	if err != nil {
		return nil, media.ConnectParams{}, err
	}
	local := ep.Local()
	ice := local.IceParameters
	return &pionTransport{id: domain.TransportID(remote.ID), dir: dir, ep: ep, remote: remote}, media.ConnectParams{
		DtlsParameters: local.DtlsParameters,
		IceParameters:  &ice,
		IceCandidates:  local.IceCandidates,
	}, nil
}

type pionTransport struct {
	id     domain.TransportID
	dir    domain.Direction
	ep     *rtc.Endpoint
	remote media.TransportParams
}

func (t *pionTransport) ID() domain.TransportID      { return t.id }
func (t *pionTransport) Direction() domain.Direction { return t.dir }
func (t *pionTransport) Close() error                { return t.ep.Close() }

func (t *pionTransport) Start() error {
	ice := t.remote.IceParameters
	return t.ep.Start(media.ConnectParams{
		DtlsParameters: t.remote.DtlsParameters,
		IceParameters:  &ice,
		IceCandidates:  t.remote.IceCandidates,
	}, webrtc.ICERoleControlling)
}

func (t *pionTransport) Send(kind domain.Kind, track webrtc.TrackLocal, codec webrtc.RTPCodecCapability) (LocalProducer, media.RtpParameters, error) {
	sender, err := t.ep.NewSender(track)
	if err != nil {
		return nil, media.RtpParameters{}, err
	}
	params := sender.GetParameters()
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		_ = sender.Stop()
		return nil, media.RtpParameters{}, ErrCannotProduce
	}
	chosen := params.Codecs[0]
	for _, c := range params.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			chosen = c
			break
		}
	}
	rp := media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{rtc.CodecParameters(chosen)},
		Encodings: []media.RtpEncoding{{Ssrc: uint32(params.Encodings[0].SSRC)}},
	}

	p := &pionProducer{kind: kind, sender: sender}
	go func() {
		select {
		case <-t.ep.Connected():
		case <-t.ep.Done():
			return
		}
		if err := sender.Send(params); err != nil {
			log.Error().Err(err).Str("module", "client.rtc").Msg("sender start failed")
			return
		}
		// Drain RTCP so the interceptors keep running.
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	return p, rp, nil
}

func (t *pionTransport) Receive(res protocol.ConsumeResponse) (LocalConsumer, error) {
	params, err := rtc.ReceiveParameters(res.RtpParameters)
	if err != nil {
		return nil, err
	}
	receiver, err := t.ep.NewReceiver(res.Kind)
	if err != nil {
		return nil, err
	}
	return &PionConsumer{
		id:         res.ID,
		producerID: res.ProducerID,
		kind:       res.Kind,
		ep:         t.ep,
		receiver:   receiver,
		params:     params,
	}, nil
}

type pionProducer struct {
	kind   domain.Kind
	sender *webrtc.RTPSender
}

func (p *pionProducer) Kind() domain.Kind { return p.kind }
func (p *pionProducer) Close() error      { return p.sender.Stop() }

// PionConsumer receives one remote stream. Packets are counted; callers
// that want the media read the track from OnTrack.
type PionConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.Kind
	ep         *rtc.Endpoint
	receiver   *webrtc.RTPReceiver
	params     webrtc.RTPReceiveParameters

	packets   atomic.Uint64
	onTrack   func(*webrtc.TrackRemote)
	startOnce sync.Once
}

func (c *PionConsumer) ID() domain.ConsumerID         { return c.id }
func (c *PionConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *PionConsumer) Kind() domain.Kind             { return c.kind }
func (c *PionConsumer) Packets() uint64               { return c.packets.Load() }

// OnTrack hands the remote track to fn instead of the built-in packet
// counter. It must be set before Resume.
func (c *PionConsumer) OnTrack(fn func(*webrtc.TrackRemote)) { c.onTrack = fn }

// Resume starts receiving once the transport is connected.
func (c *PionConsumer) Resume() error {
	c.startOnce.Do(func() { go c.run() })
	return nil
}

func (c *PionConsumer) run() {
	select {
	case <-c.ep.Connected():
	case <-c.ep.Done():
		return
	}
	if err := c.receiver.Receive(c.params); err != nil {
		log.Error().Err(err).Str("module", "client.rtc").Str("consumer_id", string(c.id)).Msg("receive failed")
		return
	}
	track := c.receiver.Track()
	if c.onTrack != nil {
		c.onTrack(track)
		return
	}
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		c.packets.Add(1)
	}
}

func (c *PionConsumer) Close() error { return c.receiver.Stop() }
