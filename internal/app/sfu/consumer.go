package sfu

import (
	"sync"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var errConsumerClosed = domain.NewError(domain.CodeNotFound, "consumer closed", nil)

type Consumer struct {
	id        domain.ConsumerID
	transport *Transport
	producer  *Producer
	out       *OutTrack
	sender    *webrtc.RTPSender
	params    media.RtpParameters
	logger    zerolog.Logger

	closeOnce sync.Once
}

func newConsumer(id domain.ConsumerID, t *Transport, p *Producer, out *OutTrack, sender *webrtc.RTPSender, codec media.RtpCodecCapability) *Consumer {
	var ssrc uint32
	if enc := sender.GetParameters().Encodings; len(enc) > 0 {
		ssrc = uint32(enc[0].SSRC)
	}
	return &Consumer{
		id:        id,
		transport: t,
		producer:  p,
		out:       out,
		sender:    sender,
		params:    rtc.ParametersFromCapability(codec, ssrc),
		logger:    t.logger.With().Str("consumer_id", string(id)).Str("producer_id", string(p.id)).Logger(),
	}
}

func (c *Consumer) ID() domain.ConsumerID              { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID      { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                  { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                       { return c.out.GetState() == TrackStatePaused }

// Resume starts forwarding and asks the publisher for a keyframe so the
// subscriber can decode right away.
func (c *Consumer) Resume() error {
	if !c.out.MarkOk() {
		return errConsumerClosed
	}
	c.producer.RequestKeyframe()
	return nil
}

// run binds the sender once the transport is up and relays keyframe
// requests from the subscriber to the publisher.
func (c *Consumer) run() {
	ep := c.transport.ep
	select {
	case <-ep.Connected():
	case <-ep.Done():
		return
	}
	if c.out.GetState() == TrackStateDelete {
		return
	}
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		c.logger.Error().Err(err).Msg("sender start failed")
		c.out.MarkDelete()
		return
	}
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyframe()
			}
		}
	}
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.out.MarkDelete()
		c.producer.removeOutTrack(c.id)
		c.transport.removeConsumer(c.id)
		err = c.sender.Stop()
		c.logger.Info().Msg("consumer closed")
	})
	return err
}

var _ media.Consumer = (*Consumer)(nil)
