package pubsub

import (
	"log"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
	"github.com/engeenity/snakemq-pubsub/internal/protocol"
)

// BrokerOptions tunes a broker. The zero value works.
type BrokerOptions struct {
	// TTL bounds delivery of fanned-out messages; the transport drops
	// and reports anything still undelivered past it. Defaults to
	// transport.DefaultTTL.
	TTL time.Duration
	// OnDecodeError observes inbound payloads that fail to parse. The
	// broker drops such payloads and keeps serving. Defaults to logging.
	OnDecodeError func(peer string, payload []byte, err error)
	// OnDeliveryExpired observes fanned-out messages the transport gave
	// up on. The subscription itself is kept; only that delivery is
	// lost. Defaults to logging.
	OnDeliveryExpired func(peer string, payload []byte)
}

// Broker owns the subscription registry and serves SUBSCRIBE, UNSUBSCRIBE
// and PUBLISH commands arriving on its link. Commands are applied in
// arrival order by the link's dispatch goroutine; fan-out goes back through
// the link as one independent submission per subscriber, so a slow
// subscriber never holds up the rest.
type Broker struct {
	link     transport.Link
	registry *Registry
	ttl      time.Duration

	onDecodeError     func(peer string, payload []byte, err error)
	onDeliveryExpired func(peer string, payload []byte)
}

// NewBroker wires a broker to its link and starts serving.
func NewBroker(link transport.Link, opts BrokerOptions) (*Broker, error) {
	b := &Broker{
		link:              link,
		registry:          NewRegistry(),
		ttl:               opts.TTL,
		onDecodeError:     opts.OnDecodeError,
		onDeliveryExpired: opts.OnDeliveryExpired,
	}
	if b.ttl <= 0 {
		b.ttl = transport.DefaultTTL
	}
	if b.onDecodeError == nil {
		b.onDecodeError = func(peer string, _ []byte, err error) {
			log.Printf("broker: dropping payload from %s: %v", peer, err)
		}
	}
	if b.onDeliveryExpired == nil {
		b.onDeliveryExpired = func(peer string, _ []byte) {
			log.Printf("broker: delivery to %s expired", peer)
		}
	}

	link.SetHandlers(transport.Handlers{
		OnMessage:          b.handleMessage,
		OnDrop:             b.handleDrop,
		OnPeerDisconnected: b.handlePeerGone,
	})
	if err := link.Start(); err != nil {
		return nil, err
	}
	return b, nil
}

// Identity returns the broker's transport identity, the address clients
// send commands to.
func (b *Broker) Identity() string { return b.link.Identity() }

// Registry exposes the live subscription state for introspection. Reads
// are safe while traffic flows.
func (b *Broker) Registry() *Registry { return b.registry }

// Close stops serving and releases the transport. Safe to call twice.
func (b *Broker) Close() error { return b.link.Close() }

func (b *Broker) handleMessage(peer string, payload []byte) {
	cmd, err := protocol.Parse(payload)
	if err != nil {
		b.onDecodeError(peer, payload, err)
		return
	}
	switch c := cmd.(type) {
	case protocol.Subscribe:
		for _, channel := range c.Channels {
			b.registry.Add(channel, peer)
		}
	case protocol.Unsubscribe:
		for _, channel := range c.Channels {
			b.registry.Remove(channel, peer)
		}
	case protocol.Publish:
		b.fanOut(c.Channel, c.Message)
	}
}

// fanOut relays the bare message to a snapshot of the channel's
// subscribers. No subscribers means the message vanishes. The publisher
// gets a copy only if it subscribed to the channel itself.
func (b *Broker) fanOut(channel, message string) {
	payload := []byte(message)
	for _, peer := range b.registry.Subscribers(channel) {
		_ = b.link.Send(peer, payload, b.ttl)
	}
}

// handlePeerGone clears every subscription of a departed peer so fan-out
// stops naming it. The peer resubscribes from scratch when it returns.
func (b *Broker) handlePeerGone(peer string) {
	b.registry.RemoveAll(peer)
}

func (b *Broker) handleDrop(peer string, payload []byte) {
	b.onDeliveryExpired(peer, payload)
}
