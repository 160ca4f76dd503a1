package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Producer receives one published stream and relays every packet to the
// out tracks of its consumers.
type Producer struct {
	id        domain.ProducerID
	kind      domain.Kind
	params    media.RtpParameters
	ssrc      uint32
	transport *Transport
	receiver  *webrtc.RTPReceiver
	logger    zerolog.Logger

	mu        sync.RWMutex
	outTracks map[domain.ConsumerID]*OutTrack
	onClose   func()

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func newProducer(t *Transport, kind domain.Kind, params media.RtpParameters, receiver *webrtc.RTPReceiver) *Producer {
	id := domain.ProducerID(newID())
	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		id:        id,
		kind:      kind,
		params:    params,
		ssrc:      params.Encodings[0].Ssrc,
		transport: t,
		receiver:  receiver,
		logger:    t.logger.With().Str("producer_id", string(id)).Str("kind", string(kind)).Logger(),
		outTracks: make(map[domain.ConsumerID]*OutTrack),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *Producer) ID() domain.ProducerID              { return p.id }
func (p *Producer) Kind() domain.Kind                  { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }
func (p *Producer) Closed() bool                       { return p.closed.Load() }

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

// run waits for the transport handshake, starts receiving and relays
// until the source ends or the producer is closed.
func (p *Producer) run(params webrtc.RTPReceiveParameters) {
	select {
	case <-p.transport.ep.Connected():
	case <-p.ctx.Done():
		return
	case <-p.transport.ep.Done():
		return
	}
	if err := p.receiver.Receive(params); err != nil {
		p.logger.Error().Err(err).Msg("receive failed")
		p.end()
		return
	}
	p.logger.Info().Msg("starting relay loop")
	p.loop(p.receiver.Track())
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (p *Producer) loop(src *webrtc.TrackRemote) {
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Info().Err(err).Msg("relay read RTP error, source ended")
			p.end()
			return
		}
		metrics.RelayPacketsTotal.WithLabelValues("received").Inc()
		p.forward(pkt)
	}
}

func (p *Producer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	snapshot := maps.Clone(p.outTracks)
	p.mu.RUnlock()

	dirty := make([]domain.ConsumerID, 0, len(snapshot))
	for cid, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, cid)
		case TrackStatePaused:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				p.logger.Error().
					Err(err).
					Str("consumer_id", string(cid)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, cid)
				continue
			}
			metrics.RelayPacketsTotal.WithLabelValues("forwarded").Inc()
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		p.cleanupDeleted(dirty)
	}
}

func (p *Producer) cleanupDeleted(dirty []domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cid := range dirty {
		delete(p.outTracks, cid)
	}
}

func (p *Producer) markAllDelete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ot := range p.outTracks {
		ot.MarkDelete()
	}
}

func (p *Producer) addOutTrack(cid domain.ConsumerID, ot *OutTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outTracks[cid] = ot
}

func (p *Producer) removeOutTrack(cid domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outTracks, cid)
}

// RequestKeyframe asks the publisher for a fresh keyframe. Audio has none.
func (p *Producer) RequestKeyframe() {
	if p.kind != domain.KindVideo || p.Closed() {
		return
	}
	err := p.transport.ep.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	if err != nil {
		p.logger.Debug().Err(err).Msg("PLI write failed")
		return
	}
	metrics.KeyframeRequestsTotal.Inc()
}

// end handles a source that stopped on its own and notifies the owner.
func (p *Producer) end() {
	if !p.shutdown() {
		return
	}
	p.mu.RLock()
	fn := p.onClose
	p.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (p *Producer) Close() error {
	if !p.shutdown() {
		return nil
	}
	p.logger.Info().Msg("producer closed")
	return nil
}

func (p *Producer) shutdown() bool {
	if !p.closed.CompareAndSwap(false, true) {
		return false
	}
	p.cancel()
	p.markAllDelete()
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debug().Err(err).Msg("receiver stop")
	}
	p.transport.removeProducer(p.id)
	return true
}

var _ media.Producer = (*Producer)(nil)

// codec is the router codec matching the published one.
func (p *Producer) codec(caps media.RtpCapabilities) *media.RtpCodecCapability {
	return media.FindCodec(caps, p.params.Codecs[0])
}
