// Package pubsub implements channel-based publish/subscribe over the
// transport layer: a broker that owns the subscription registry and fans
// published messages out, and the publisher and subscriber clients that
// talk to it.
package pubsub

import "sync"

// Registry maps channels to the peers subscribed to them. It is the
// broker's single source of truth for fan-out. All methods are safe for
// concurrent use; the lock is held only to mutate or copy, never across a
// send.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[string]struct{})}
}

// Add subscribes peer to channel. Adding an existing subscription is a
// no-op.
func (r *Registry) Add(channel, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		r.channels[channel] = set
	}
	set[peer] = struct{}{}
}

// Remove drops peer from channel. Unknown channels and absent peers are
// no-ops. Channels left without subscribers are forgotten entirely.
func (r *Registry) Remove(channel, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(r.channels, channel)
	}
}

// RemoveAll drops peer from every channel it appears in.
func (r *Registry) RemoveAll(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, set := range r.channels {
		delete(set, peer)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Subscribers returns a point-in-time copy of the channel's subscriber
// set, so callers iterate a stable snapshot while subscriptions keep
// changing underneath.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.channels[channel]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for peer := range set {
		out = append(out, peer)
	}
	return out
}

// NumSubscribers reports how many peers are subscribed to channel.
func (r *Registry) NumSubscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// Channels returns every known channel with its subscriber count.
func (r *Registry) Channels() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.channels))
	for channel, set := range r.channels {
		out[channel] = len(set)
	}
	return out
}
