package pubsub

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
	"github.com/engeenity/snakemq-pubsub/internal/protocol"
)

// MessageHandler receives every payload the broker delivers to this peer.
// peer is the identity the payload arrived from, which is the broker; the
// original publisher's identity is not relayed.
type MessageHandler func(peer string, payload []byte)

// Subscriber tracks the set of channels it wants and keeps the broker in
// sync with it. Subscribe and Unsubscribe update the desired set first and
// notify the broker when connected; every time the connection to the
// broker comes up, the whole desired set is replayed in one SUBSCRIBE, so
// a broker that lost its registry relearns it and subscriptions survive
// reconnects without the caller doing anything.
type Subscriber struct {
	link    transport.Link
	broker  string
	handler MessageHandler
	ttl     time.Duration

	mu        sync.Mutex
	desired   map[string]struct{}
	connected bool
}

// NewSubscriber wires a subscriber to its link and starts it. broker is
// the broker's transport identity; handler must not be nil and runs on the
// link's dispatch goroutine.
func NewSubscriber(link transport.Link, broker string, handler MessageHandler, opts ClientOptions) (*Subscriber, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	s := &Subscriber{
		link:    link,
		broker:  broker,
		handler: handler,
		ttl:     opts.TTL,
		desired: make(map[string]struct{}),
	}
	if s.ttl <= 0 {
		s.ttl = transport.DefaultTTL
	}
	onExpired := opts.OnDeliveryExpired
	if onExpired == nil {
		onExpired = func(peer string, _ []byte) {
			log.Printf("subscriber: delivery to %s expired", peer)
		}
	}

	link.SetHandlers(transport.Handlers{
		OnMessage:          s.handleMessage,
		OnDrop:             onExpired,
		OnPeerConnected:    s.handleConnected,
		OnPeerDisconnected: s.handleDisconnected,
	})
	if err := link.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe adds channel to the desired set. The broker learns of it
// immediately when connected, otherwise through the next resync.
// Subscribing twice is harmless.
func (s *Subscriber) Subscribe(channel string) error {
	if !validChannel(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	s.mu.Lock()
	s.desired[channel] = struct{}{}
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	cmd := protocol.Subscribe{Channels: []string{channel}}
	return s.link.Send(s.broker, cmd.Encode(), s.ttl)
}

// Unsubscribe removes channel from the desired set. Channels never
// subscribed to are a no-op. An unsubscribe issued while disconnected
// still takes effect: the channel simply is not part of the next resync.
func (s *Subscriber) Unsubscribe(channel string) error {
	if !validChannel(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	s.mu.Lock()
	delete(s.desired, channel)
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	cmd := protocol.Unsubscribe{Channels: []string{channel}}
	return s.link.Send(s.broker, cmd.Encode(), s.ttl)
}

// Channels reports the desired set, sorted.
func (s *Subscriber) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.desired))
	for channel := range s.desired {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Close releases the subscriber's transport. The desired set survives only
// in this process; the broker forgets the peer when the disconnect
// reaches it.
func (s *Subscriber) Close() error { return s.link.Close() }

func (s *Subscriber) handleMessage(peer string, payload []byte) {
	s.handler(peer, payload)
}

// handleConnected replays the full desired set, once per transition into
// the connected state. Replaying is idempotent on the broker side, so
// racing an explicit Subscribe is harmless.
func (s *Subscriber) handleConnected(peer string) {
	if peer != s.broker {
		return
	}
	s.mu.Lock()
	s.connected = true
	channels := make([]string, 0, len(s.desired))
	for channel := range s.desired {
		channels = append(channels, channel)
	}
	s.mu.Unlock()

	if len(channels) == 0 {
		return
	}
	sort.Strings(channels)
	cmd := protocol.Subscribe{Channels: channels}
	_ = s.link.Send(s.broker, cmd.Encode(), s.ttl)
}

func (s *Subscriber) handleDisconnected(peer string) {
	if peer != s.broker {
		return
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}
