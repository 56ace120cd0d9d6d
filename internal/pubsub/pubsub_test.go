package pubsub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects delivered payloads for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(peer string, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(payload))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func (r *recorder) has(msg string) bool { return r.count(msg) > 0 }

type testRig struct {
	t      *testing.T
	net    *transport.MemoryNetwork
	broker *Broker
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	net := transport.NewMemoryNetwork()
	broker, err := NewBroker(net.NewLink("broker"), BrokerOptions{})
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })
	return &testRig{t: t, net: net, broker: broker}
}

func (rig *testRig) newSubscriber(id string, rec *recorder) *Subscriber {
	rig.t.Helper()
	sub, err := NewSubscriber(rig.net.NewLink(id, "broker"), "broker", rec.handle, ClientOptions{})
	if err != nil {
		rig.t.Fatalf("start subscriber %s: %v", id, err)
	}
	rig.t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func (rig *testRig) newPublisher(id string) *Publisher {
	rig.t.Helper()
	pub, err := NewPublisher(rig.net.NewLink(id, "broker"), "broker", ClientOptions{})
	if err != nil {
		rig.t.Fatalf("start publisher %s: %v", id, err)
	}
	rig.t.Cleanup(func() { _ = pub.Close() })
	return pub
}

// subscribe issues the subscription and waits until the broker's registry
// reflects the expected subscriber count for the channel.
func (rig *testRig) subscribe(sub *Subscriber, channel string, want int) {
	rig.t.Helper()
	if err := sub.Subscribe(channel); err != nil {
		rig.t.Fatalf("subscribe %s: %v", channel, err)
	}
	waitUntil(rig.t, "registry to hold "+channel, func() bool {
		return rig.broker.Registry().NumSubscribers(channel) == want
	})
}

func (rig *testRig) publish(pub *Publisher, channel, message string) {
	rig.t.Helper()
	if err := pub.Publish(channel, message); err != nil {
		rig.t.Fatalf("publish %s on %s: %v", message, channel, err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestPubSubScenario walks the full lifecycle: targeted delivery, channel
// isolation, unsubscribe taking effect, and multi-channel fan-out. The
// "end" channel carries ordered markers so the final assertions see a
// settled system instead of sleeping.
func TestPubSubScenario(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	var rec1, rec2, rec3 recorder
	sub1 := rig.newSubscriber("sub1", &rec1)
	sub2 := rig.newSubscriber("sub2", &rec2)
	sub3 := rig.newSubscriber("sub3", &rec3)
	pub := rig.newPublisher("pub")

	rig.subscribe(sub1, "a", 1)
	rig.subscribe(sub1, "end", 1)
	rig.subscribe(sub2, "b", 1)
	rig.subscribe(sub3, "b", 2)
	rig.subscribe(sub3, "c", 1)

	rig.publish(pub, "a", "v1")
	waitUntil(t, "v1 to reach sub1", func() bool { return rec1.has("v1") })

	if err := sub1.Unsubscribe("a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitUntil(t, "a to empty", func() bool {
		return rig.broker.Registry().NumSubscribers("a") == 0
	})

	// Nobody subscribes to a anymore; v2 must vanish.
	rig.publish(pub, "a", "v2")

	rig.publish(pub, "b", "v3")
	rig.publish(pub, "c", "v4")
	rig.publish(pub, "end", "done")

	waitUntil(t, "marker to reach sub1", func() bool { return rec1.has("done") })
	waitUntil(t, "v3 to reach sub2", func() bool { return rec2.has("v3") })
	waitUntil(t, "v4 to reach sub3", func() bool { return rec3.has("v4") })

	// Per-destination ordering makes the transcripts exact: anything
	// delivered in error would have arrived before the waits above.
	if got := rec1.snapshot(); !equal(got, []string{"v1", "done"}) {
		t.Fatalf("sub1 received %v, want [v1 done]", got)
	}
	if got := rec2.snapshot(); !equal(got, []string{"v3"}) {
		t.Fatalf("sub2 received %v, want [v3]", got)
	}
	if got := rec3.snapshot(); !equal(got, []string{"v3", "v4"}) {
		t.Fatalf("sub3 received %v, want [v3 v4]", got)
	}
}

func TestFanOutDeliversToEachSubscriberOnce(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	var recs [3]recorder
	for i, id := range []string{"sub1", "sub2", "sub3"} {
		sub := rig.newSubscriber(id, &recs[i])
		rig.subscribe(sub, "news", i+1)
	}
	pub := rig.newPublisher("pub")

	rig.publish(pub, "news", "flash")
	rig.publish(pub, "news", "marker")

	for i := range recs {
		waitUntil(t, "marker delivery", func() bool { return recs[i].has("marker") })
		if n := recs[i].count("flash"); n != 1 {
			t.Fatalf("subscriber %d received flash %d times, want exactly once", i+1, n)
		}
	}
}

func TestDuplicateSubscribeDeliversOnce(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	var rec recorder
	sub := rig.newSubscriber("sub1", &rec)

	rig.subscribe(sub, "news", 1)
	rig.subscribe(sub, "news", 1)
	pub := rig.newPublisher("pub")

	rig.publish(pub, "news", "flash")
	rig.publish(pub, "news", "marker")

	waitUntil(t, "marker delivery", func() bool { return rec.has("marker") })
	if n := rec.count("flash"); n != 1 {
		t.Fatalf("received flash %d times, want exactly once", n)
	}
}

// TestResyncAfterReconnect cuts the subscriber's connection and checks
// that the desired set, including an unsubscribe issued while offline, is
// what the broker relearns.
func TestResyncAfterReconnect(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	var rec recorder
	sub := rig.newSubscriber("sub1", &rec)
	pub := rig.newPublisher("pub")

	rig.subscribe(sub, "x", 1)
	rig.subscribe(sub, "y", 1)

	rig.net.Disconnect("sub1", "broker")
	waitUntil(t, "disconnect cleanup", func() bool {
		return rig.broker.Registry().NumSubscribers("x") == 0
	})

	// Offline unsubscribe: y must not come back with the resync.
	if err := sub.Unsubscribe("y"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := sub.Channels(); !equal(got, []string{"x"}) {
		t.Fatalf("desired channels = %v, want [x]", got)
	}

	if err := rig.net.Connect("sub1", "broker"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitUntil(t, "resync of x", func() bool {
		return rig.broker.Registry().NumSubscribers("x") == 1
	})
	if n := rig.broker.Registry().NumSubscribers("y"); n != 0 {
		t.Fatalf("y has %d subscribers after resync, want 0", n)
	}

	rig.publish(pub, "x", "after-reconnect")
	waitUntil(t, "delivery after resync", func() bool { return rec.has("after-reconnect") })
}

// TestBrokerRestartResync replaces the broker with a fresh one under the
// same identity. Clients notice nothing: the subscriber's resync rebuilds
// the empty registry and traffic resumes.
func TestBrokerRestartResync(t *testing.T) {
	t.Parallel()

	net := transport.NewMemoryNetwork()
	broker, err := NewBroker(net.NewLink("broker"), BrokerOptions{})
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}

	var rec recorder
	sub, err := NewSubscriber(net.NewLink("sub1", "broker"), "broker", rec.handle, ClientOptions{})
	if err != nil {
		t.Fatalf("start subscriber: %v", err)
	}
	defer sub.Close()
	pub, err := NewPublisher(net.NewLink("pub", "broker"), "broker", ClientOptions{})
	if err != nil {
		t.Fatalf("start publisher: %v", err)
	}
	defer pub.Close()

	if err := sub.Subscribe("updates"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitUntil(t, "initial subscription", func() bool {
		return broker.Registry().NumSubscribers("updates") == 1
	})
	if err := pub.Publish("updates", "before"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitUntil(t, "delivery before restart", func() bool { return rec.has("before") })

	if err := broker.Close(); err != nil {
		t.Fatalf("stop broker: %v", err)
	}

	// Published into the outage; may or may not survive, must not wedge
	// anything.
	if err := pub.Publish("updates", "during"); err != nil {
		t.Fatalf("publish during outage: %v", err)
	}

	restarted, err := NewBroker(net.NewLink("broker"), BrokerOptions{})
	if err != nil {
		t.Fatalf("restart broker: %v", err)
	}
	defer restarted.Close()

	waitUntil(t, "resync with restarted broker", func() bool {
		return restarted.Registry().NumSubscribers("updates") == 1
	})

	if err := pub.Publish("updates", "after"); err != nil {
		t.Fatalf("publish after restart: %v", err)
	}
	waitUntil(t, "delivery after restart", func() bool { return rec.has("after") })
}

// TestSubscribeBeforeBrokerExists checks the desired set carries
// subscriptions made while no broker is reachable.
func TestSubscribeBeforeBrokerExists(t *testing.T) {
	t.Parallel()

	net := transport.NewMemoryNetwork()

	var rec recorder
	sub, err := NewSubscriber(net.NewLink("sub1", "broker"), "broker", rec.handle, ClientOptions{})
	if err != nil {
		t.Fatalf("start subscriber: %v", err)
	}
	defer sub.Close()

	if err := sub.Subscribe("early"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	broker, err := NewBroker(net.NewLink("broker"), BrokerOptions{})
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer broker.Close()

	waitUntil(t, "subscription to land", func() bool {
		return broker.Registry().NumSubscribers("early") == 1
	})

	pub, err := NewPublisher(net.NewLink("pub", "broker"), "broker", ClientOptions{})
	if err != nil {
		t.Fatalf("start publisher: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish("early", "caught-up"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitUntil(t, "delivery", func() bool { return rec.has("caught-up") })
}

func TestClientValidation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	var rec recorder
	sub := rig.newSubscriber("sub1", &rec)
	pub := rig.newPublisher("pub")

	if err := pub.Publish("", "message"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("empty channel error = %v, want ErrInvalidChannel", err)
	}
	if err := pub.Publish("has space", "message"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("spaced channel error = %v, want ErrInvalidChannel", err)
	}
	if err := pub.Publish("news", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty message error = %v, want ErrEmptyMessage", err)
	}
	if err := pub.Publish("news", " \t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank message error = %v, want ErrEmptyMessage", err)
	}
	if err := sub.Subscribe("bad channel"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("spaced subscribe error = %v, want ErrInvalidChannel", err)
	}
	if err := sub.Unsubscribe("bad channel"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("spaced unsubscribe error = %v, want ErrInvalidChannel", err)
	}
	if err := sub.Unsubscribe(""); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("empty unsubscribe error = %v, want ErrInvalidChannel", err)
	}

	if _, err := NewSubscriber(rig.net.NewLink("sub2", "broker"), "broker", nil, ClientOptions{}); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("nil handler error = %v, want ErrNilHandler", err)
	}
}

// TestRejectedUnsubscribeKeepsSubscriptions feeds Unsubscribe an argument
// that would tokenize into two channel names on the wire. The call must be
// rejected locally; neither registration may be torn down.
func TestRejectedUnsubscribeKeepsSubscriptions(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	var rec recorder
	sub := rig.newSubscriber("sub1", &rec)

	rig.subscribe(sub, "x", 1)
	rig.subscribe(sub, "y", 1)

	if err := sub.Unsubscribe("x y"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("unsubscribe error = %v, want ErrInvalidChannel", err)
	}
	if got := sub.Channels(); !equal(got, []string{"x", "y"}) {
		t.Fatalf("desired channels = %v, want [x y]", got)
	}

	time.Sleep(50 * time.Millisecond)
	for _, channel := range []string{"x", "y"} {
		if n := rig.broker.Registry().NumSubscribers(channel); n != 1 {
			t.Fatalf("%s has %d subscribers after rejected unsubscribe, want 1", channel, n)
		}
	}

	pub := rig.newPublisher("pub")
	rig.publish(pub, "x", "on-x")
	rig.publish(pub, "y", "on-y")
	waitUntil(t, "deliveries on both channels", func() bool {
		return rec.has("on-x") && rec.has("on-y")
	})
}
