// Package transport provides the peer messaging layer the pub/sub roles
// run on: identity-addressed links that deliver opaque payloads best-effort
// with a per-message time to live, plus connect and disconnect
// notifications. Two implementations exist, an in-memory network for tests
// and single-process setups, and a libp2p-backed link for real deployments.
package transport

import (
	"errors"
	"time"
)

// DefaultTTL is how long a payload may wait for delivery before the link
// gives up, drops it and reports the drop.
const DefaultTTL = 60 * time.Second

var (
	ErrLinkClosed    = errors.New("link is closed")
	ErrLinkNotReady  = errors.New("link not started")
	ErrIdentityInUse = errors.New("identity already attached")
	ErrNotAttached   = errors.New("identity not attached")
)

// Handlers bundles the callbacks a role attaches to its link. Nil fields
// are ignored. Callbacks run one at a time on the link's dispatch
// goroutine, so they must not block for long and may touch role state
// without extra locking.
type Handlers struct {
	// OnMessage receives a payload sent by peer.
	OnMessage func(peer string, payload []byte)
	// OnDrop reports a payload this link gave up delivering to peer.
	OnDrop func(peer string, payload []byte)
	// OnPeerConnected fires when a connection to peer is established.
	OnPeerConnected func(peer string)
	// OnPeerDisconnected fires when the connection to peer is lost.
	OnPeerDisconnected func(peer string)
}

// Link is one endpoint of the messaging layer.
//
// SetHandlers must be called before Start; events are delivered only after
// Start. Send queues the payload for best-effort delivery and never blocks
// on the network: payloads still undelivered after ttl are dropped and
// reported through OnDrop. Delivered payloads arrive in Send order per
// destination. Close is idempotent; queued and in-flight payloads are
// abandoned without drop reports.
type Link interface {
	Identity() string
	SetHandlers(h Handlers)
	Start() error
	Send(peer string, payload []byte, ttl time.Duration) error
	Close() error
}

type linkEventKind int

const (
	eventMessage linkEventKind = iota
	eventDropped
	eventConnected
	eventDisconnected
)

// linkEvent is the single funnel for everything a link tells its owner.
// Both implementations queue these and dispatch from one goroutine.
type linkEvent struct {
	kind    linkEventKind
	peer    string
	payload []byte
}

func dispatchEvent(h Handlers, ev linkEvent) {
	switch ev.kind {
	case eventMessage:
		if h.OnMessage != nil {
			h.OnMessage(ev.peer, ev.payload)
		}
	case eventDropped:
		if h.OnDrop != nil {
			h.OnDrop(ev.peer, ev.payload)
		}
	case eventConnected:
		if h.OnPeerConnected != nil {
			h.OnPeerConnected(ev.peer)
		}
	case eventDisconnected:
		if h.OnPeerDisconnected != nil {
			h.OnPeerDisconnected(ev.peer)
		}
	}
}
