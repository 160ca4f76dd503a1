package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/rs/zerolog/log"
)

// Participant owns at most one transport per direction plus the producers
// it published and the consumers it subscribed. All methods expect the
// owning room's lock to be held.
type Participant struct {
	id        domain.ParticipantID
	send      media.Transport
	recv      media.Transport
	producers []media.Producer
	consumers []media.Consumer
}

func newParticipant(id domain.ParticipantID) *Participant {
	return &Participant{id: id}
}

func (p *Participant) ID() domain.ParticipantID { return p.id }

func (p *Participant) Transport(dir domain.Direction) media.Transport {
	if dir == domain.DirectionSend {
		return p.send
	}
	return p.recv
}

// SetTransport puts t into its directional slot, closing the previous
// occupant first.
func (p *Participant) SetTransport(dir domain.Direction, t media.Transport) {
	slot := &p.recv
	if dir == domain.DirectionSend {
		slot = &p.send
	}
	if old := *slot; old != nil {
		if err := safeClose(old.Close); err != nil {
			log.Warn().Err(err).Str("module", "core.participant").Str("sid", string(p.id)).
				Str("transport_id", string(old.ID())).Msg("close replaced transport")
		}
		log.Info().Str("module", "core.participant").Str("sid", string(p.id)).
			Str("transport_id", string(old.ID())).Str("direction", string(dir)).Msg("transport replaced")
	}
	*slot = t
}

// TransportByID returns the send or receive transport whose id matches.
// A transport owned by somebody else is never returned.
func (p *Participant) TransportByID(id domain.TransportID) media.Transport {
	switch {
	case p.send != nil && p.send.ID() == id:
		return p.send
	case p.recv != nil && p.recv.ID() == id:
		return p.recv
	}
	return nil
}

func (p *Participant) AddProducer(pr media.Producer) {
	p.producers = append(p.producers, pr)
}

func (p *Participant) Producers() []media.Producer {
	return append([]media.Producer(nil), p.producers...)
}

func (p *Participant) Producer(id domain.ProducerID) media.Producer {
	for _, pr := range p.producers {
		if pr.ID() == id {
			return pr
		}
	}
	return nil
}

func (p *Participant) ProducerIDs() []domain.ProducerID {
	ids := make([]domain.ProducerID, 0, len(p.producers))
	for _, pr := range p.producers {
		ids = append(ids, pr.ID())
	}
	return ids
}

func (p *Participant) removeProducer(id domain.ProducerID) media.Producer {
	for i, pr := range p.producers {
		if pr.ID() == id {
			p.producers = append(p.producers[:i], p.producers[i+1:]...)
			return pr
		}
	}
	return nil
}

// AddConsumer appends c. A live consumer of the same producer is closed and
// replaced, so there is never more than one per producer.
func (p *Participant) AddConsumer(c media.Consumer) {
	for i, old := range p.consumers {
		if old.ProducerID() != c.ProducerID() {
			continue
		}
		if err := safeClose(old.Close); err != nil {
			log.Warn().Err(err).Str("module", "core.participant").Str("sid", string(p.id)).
				Str("consumer_id", string(old.ID())).Msg("close superseded consumer")
		}
		p.consumers = append(p.consumers[:i], p.consumers[i+1:]...)
		break
	}
	p.consumers = append(p.consumers, c)
}

func (p *Participant) Consumers() []media.Consumer {
	return append([]media.Consumer(nil), p.consumers...)
}

// CloseConsumers closes and drops every consumer p holds. Used when the
// receive transport they ride on goes away.
func (p *Participant) CloseConsumers() error {
	var errs []error
	for _, c := range p.consumers {
		if err := safeClose(c.Close); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.ID(), err))
		}
	}
	p.consumers = nil
	return errors.Join(errs...)
}

// closeConsumersOf closes and drops every consumer bound to producerID.
func (p *Participant) closeConsumersOf(producerID domain.ProducerID) error {
	var errs []error
	kept := p.consumers[:0]
	for _, c := range p.consumers {
		if c.ProducerID() != producerID {
			kept = append(kept, c)
			continue
		}
		if err := safeClose(c.Close); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.ID(), err))
		}
	}
	p.consumers = kept
	return errors.Join(errs...)
}

// closeAll closes every owned resource. A failing close never stops the
// remaining ones; all failures are returned joined.
func (p *Participant) closeAll() error {
	var errs []error
	for _, c := range p.consumers {
		if err := safeClose(c.Close); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.ID(), err))
		}
	}
	for _, pr := range p.producers {
		if err := safeClose(pr.Close); err != nil {
			errs = append(errs, fmt.Errorf("producer %s: %w", pr.ID(), err))
		}
	}
	for _, t := range []media.Transport{p.send, p.recv} {
		if t == nil {
			continue
		}
		if err := safeClose(t.Close); err != nil {
			errs = append(errs, fmt.Errorf("transport %s: %w", t.ID(), err))
		}
	}
	p.consumers, p.producers = nil, nil
	p.send, p.recv = nil, nil
	return errors.Join(errs...)
}

// safeClose turns a panicking close into an error.
func safeClose(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return fn()
}
