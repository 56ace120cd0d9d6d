package transport

import (
	"fmt"
	"sync"
	"time"
)

// MemoryNetwork is a process-local fabric connecting MemoryLinks by
// identity. It gives the pub/sub roles real transport semantics, connects,
// disconnects, queueing and TTL drops, without sockets.
//
// The fabric never redials on its own. Connections form when an endpoint
// attaches: a link that names a peer in its dial list is connected to it as
// soon as both sides are attached, which also covers an endpoint closing
// and a replacement attaching under the same identity. Tests cut and
// restore individual connections with Disconnect and Connect.
type MemoryNetwork struct {
	mu       sync.Mutex
	attached map[string]*MemoryLink
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{attached: make(map[string]*MemoryLink)}
}

// NewLink prepares an endpoint with the given identity. Once started it
// holds a connection to every identity in dialTo that is attached, now or
// later. Listener-style endpoints pass no dial targets.
func (n *MemoryNetwork) NewLink(identity string, dialTo ...string) *MemoryLink {
	return &MemoryLink{
		net:      n,
		identity: identity,
		dialTo:   append([]string(nil), dialTo...),
		conns:    make(map[string]bool),
		queues:   make(map[string]*memQueue),
		inbox:    make(chan linkEvent, 256),
		done:     make(chan struct{}),
	}
}

// Connect establishes a connection between two attached endpoints, the way
// the production transport's dialer would after a successful dial.
// Connecting an already connected pair is a no-op.
func (n *MemoryNetwork) Connect(a, b string) error {
	n.mu.Lock()
	la, lb := n.attached[a], n.attached[b]
	n.mu.Unlock()
	if la == nil {
		return fmt.Errorf("%w: %s", ErrNotAttached, a)
	}
	if lb == nil {
		return fmt.Errorf("%w: %s", ErrNotAttached, b)
	}
	la.addConn(b)
	lb.addConn(a)
	return nil
}

// Disconnect cuts the connection between two endpoints without detaching
// either, simulating a dropped session. Reconnect with Connect, or by
// closing one side and starting a replacement.
func (n *MemoryNetwork) Disconnect(a, b string) {
	n.mu.Lock()
	la, lb := n.attached[a], n.attached[b]
	n.mu.Unlock()
	if la != nil {
		la.dropConn(b)
	}
	if lb != nil {
		lb.dropConn(a)
	}
}

func (n *MemoryNetwork) attach(l *MemoryLink) error {
	n.mu.Lock()
	if _, ok := n.attached[l.identity]; ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIdentityInUse, l.identity)
	}
	n.attached[l.identity] = l
	peers := make([]*MemoryLink, 0, len(n.attached))
	for _, p := range n.attached {
		if p != l {
			peers = append(peers, p)
		}
	}
	n.mu.Unlock()

	for _, p := range peers {
		if l.dials(p.identity) || p.dials(l.identity) {
			l.addConn(p.identity)
			p.addConn(l.identity)
		}
	}
	return nil
}

func (n *MemoryNetwork) detach(l *MemoryLink) {
	n.mu.Lock()
	delete(n.attached, l.identity)
	peers := make([]*MemoryLink, 0, len(n.attached))
	for _, p := range n.attached {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		p.dropConn(l.identity)
		l.dropConn(p.identity)
	}
}

func (n *MemoryNetwork) lookup(identity string) *MemoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attached[identity]
}

// MemoryLink is one endpoint on a MemoryNetwork. Payloads queue per
// destination, each queue flushed by its own goroutine, so one unreachable
// or slow peer never stalls traffic to the others.
type MemoryLink struct {
	net      *MemoryNetwork
	identity string
	dialTo   []string

	mu       sync.Mutex
	handlers Handlers
	started  bool
	closed   bool
	conns    map[string]bool
	queues   map[string]*memQueue

	inbox chan linkEvent
	done  chan struct{}
}

func (l *MemoryLink) Identity() string { return l.identity }

func (l *MemoryLink) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

// Start attaches the link to its network and begins delivering events.
func (l *MemoryLink) Start() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	if err := l.net.attach(l); err != nil {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		return err
	}
	go l.dispatch()
	return nil
}

// Send queues payload for delivery to peer. The payload is copied, so the
// caller may reuse the slice.
func (l *MemoryLink) Send(peer string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if !l.started {
		l.mu.Unlock()
		return ErrLinkNotReady
	}
	q := l.queues[peer]
	if q == nil {
		q = newMemQueue(l, peer)
		l.queues[peer] = q
		go q.run()
	}
	l.mu.Unlock()

	q.push(memItem{
		payload:  append([]byte(nil), payload...),
		deadline: time.Now().Add(ttl),
	})
	return nil
}

func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	started := l.started
	l.mu.Unlock()

	if started {
		l.net.detach(l)
	}
	close(l.done)
	return nil
}

func (l *MemoryLink) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case ev := <-l.inbox:
			dispatchEvent(l.snapshotHandlers(), ev)
		}
	}
}

func (l *MemoryLink) snapshotHandlers() Handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers
}

func (l *MemoryLink) post(ev linkEvent) {
	select {
	case l.inbox <- ev:
	case <-l.done:
	}
}

func (l *MemoryLink) dials(identity string) bool {
	for _, d := range l.dialTo {
		if d == identity {
			return true
		}
	}
	return false
}

func (l *MemoryLink) addConn(peer string) {
	l.mu.Lock()
	if l.closed || l.conns[peer] {
		l.mu.Unlock()
		return
	}
	l.conns[peer] = true
	q := l.queues[peer]
	l.mu.Unlock()

	l.post(linkEvent{kind: eventConnected, peer: peer})
	if q != nil {
		q.wakeUp()
	}
}

func (l *MemoryLink) dropConn(peer string) {
	l.mu.Lock()
	if !l.conns[peer] {
		l.mu.Unlock()
		return
	}
	delete(l.conns, peer)
	l.mu.Unlock()

	l.post(linkEvent{kind: eventDisconnected, peer: peer})
}

func (l *MemoryLink) connectedTo(peer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[peer]
}

// deliver hands the payload to whatever link currently holds the peer
// identity. False means the peer is gone and the item should be requeued.
func (l *MemoryLink) deliver(peer string, item memItem) bool {
	remote := l.net.lookup(peer)
	if remote == nil {
		return false
	}
	select {
	case remote.inbox <- linkEvent{kind: eventMessage, peer: l.identity, payload: item.payload}:
		return true
	case <-remote.done:
		return false
	case <-l.done:
		return false
	}
}

type memItem struct {
	payload  []byte
	deadline time.Time
}

// memQueue holds payloads bound for one destination in send order. Its
// run goroutine flushes while the destination is connected and expires
// entries whose deadline passes while waiting.
type memQueue struct {
	link *MemoryLink
	peer string
	wake chan struct{}

	mu    sync.Mutex
	items []memItem
}

func newMemQueue(l *MemoryLink, peer string) *memQueue {
	return &memQueue{link: l, peer: peer, wake: make(chan struct{}, 1)}
}

func (q *memQueue) push(item memItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wakeUp()
}

func (q *memQueue) pushFront(item memItem) {
	q.mu.Lock()
	q.items = append([]memItem{item}, q.items...)
	q.mu.Unlock()
}

func (q *memQueue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop expires stale entries, then returns the next item if the destination
// is currently connected.
func (q *memQueue) pop() (memItem, bool) {
	connected := q.link.connectedTo(q.peer)

	q.mu.Lock()
	now := time.Now()
	var expired []memItem
	for len(q.items) > 0 && now.After(q.items[0].deadline) {
		expired = append(expired, q.items[0])
		q.items = q.items[1:]
	}
	var (
		item memItem
		ok   bool
	)
	if connected && len(q.items) > 0 {
		item = q.items[0]
		q.items = q.items[1:]
		ok = true
	}
	q.mu.Unlock()

	for _, e := range expired {
		q.link.post(linkEvent{kind: eventDropped, peer: q.peer, payload: e.payload})
	}
	return item, ok
}

func (q *memQueue) headDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

func (q *memQueue) run() {
	for {
		item, ok := q.pop()
		if ok {
			if q.link.deliver(q.peer, item) {
				continue
			}
			// Peer vanished mid-flight; keep the item for the
			// next connection or let it expire.
			q.pushFront(item)
		}

		var (
			timer  *time.Timer
			expiry <-chan time.Time
		)
		if deadline, ok := q.headDeadline(); ok {
			timer = time.NewTimer(time.Until(deadline))
			expiry = timer.C
		}
		select {
		case <-q.link.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-expiry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
