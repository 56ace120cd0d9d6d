package pubsub

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
	"github.com/engeenity/snakemq-pubsub/internal/protocol"
)

var (
	ErrInvalidChannel = errors.New("channel must be non-empty without whitespace")
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrNilHandler     = errors.New("subscriber needs a message handler")
)

// ClientOptions tunes a publisher or subscriber. The zero value works.
type ClientOptions struct {
	// TTL bounds delivery of outgoing commands. Defaults to
	// transport.DefaultTTL.
	TTL time.Duration
	// OnDeliveryExpired observes commands the transport gave up
	// delivering to the broker. Defaults to logging.
	OnDeliveryExpired func(peer string, payload []byte)
}

// Publisher sends PUBLISH commands to a broker. It keeps no delivery
// state: Publish returns once the command is queued, and a broker outage
// longer than the TTL surfaces through OnDeliveryExpired.
type Publisher struct {
	link   transport.Link
	broker string
	ttl    time.Duration
}

// NewPublisher wires a publisher to its link and starts it. broker is the
// broker's transport identity.
func NewPublisher(link transport.Link, broker string, opts ClientOptions) (*Publisher, error) {
	p := &Publisher{link: link, broker: broker, ttl: opts.TTL}
	if p.ttl <= 0 {
		p.ttl = transport.DefaultTTL
	}
	onExpired := opts.OnDeliveryExpired
	if onExpired == nil {
		onExpired = func(peer string, _ []byte) {
			log.Printf("publisher: delivery to %s expired", peer)
		}
	}
	link.SetHandlers(transport.Handlers{OnDrop: onExpired})
	if err := link.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish queues message for distribution on channel. The broker applies
// it on arrival; there is no acknowledgement.
func (p *Publisher) Publish(channel, message string) error {
	if !validChannel(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	cmd := protocol.Publish{Channel: channel, Message: message}
	return p.link.Send(p.broker, cmd.Encode(), p.ttl)
}

// Close releases the publisher's transport.
func (p *Publisher) Close() error { return p.link.Close() }

func validChannel(channel string) bool {
	return channel != "" && strings.IndexFunc(channel, unicode.IsSpace) < 0
}
