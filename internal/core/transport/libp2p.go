package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"
)

// ProtocolID identifies the pub/sub command stream between peers.
const ProtocolID = "/snakemq/pubsub/1.0.0"

const (
	defaultRedialEvery      = 2 * time.Second
	defaultQueueRetireAfter = time.Minute
)

// Libp2pOptions configures a libp2p-backed link.
type Libp2pOptions struct {
	// ListenAddrs are multiaddrs to listen on. Defaults to a random TCP
	// port on all interfaces.
	ListenAddrs []string
	// Dial lists full peer multiaddrs (with /p2p/ suffix) this link keeps
	// a connection to, redialing whenever the connection drops.
	Dial []string
	// IdentityKeyFile persists the node key across restarts so the peer
	// identity stays stable. Empty generates an ephemeral identity.
	IdentityKeyFile string
	// RedialEvery paces reconnection attempts. Defaults to 2s.
	RedialEvery time.Duration
	// QueueRetireAfter bounds how long an emptied delivery queue outlives
	// its peer's disconnect before its goroutine exits. Defaults to 1m.
	QueueRetireAfter time.Duration
}

// Libp2pLink carries payloads over libp2p streams. Peer identities are
// libp2p peer IDs, framing is length-prefixed via msgio, and the host's
// connection notifications drive the connect and disconnect events.
type Libp2pLink struct {
	ctx    context.Context
	cancel context.CancelFunc

	host  host.Host
	opts  Libp2pOptions
	dials []peer.AddrInfo

	mu       sync.Mutex
	handlers Handlers
	started  bool
	closed   bool
	conns    map[string]int
	queues   map[string]*peerQueue

	inbox chan linkEvent
	done  chan struct{}
}

// NewLibp2pLink creates the underlying host immediately so the identity and
// listen addresses are known before Start.
func NewLibp2pLink(parent context.Context, opts Libp2pOptions) (*Libp2pLink, error) {
	ctx, cancel := context.WithCancel(parent)

	listen := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listen = append(listen, addr)
	}
	if len(listen) == 0 {
		addr, err := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		if err != nil {
			cancel()
			return nil, err
		}
		listen = append(listen, addr)
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listen...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	dials := make([]peer.AddrInfo, 0, len(opts.Dial))
	for _, raw := range opts.Dial {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			_ = h.Close()
			cancel()
			return nil, fmt.Errorf("invalid dial multiaddr %q: %w", raw, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			_ = h.Close()
			cancel()
			return nil, fmt.Errorf("dial multiaddr %q: %w", raw, err)
		}
		dials = append(dials, *info)
	}

	if opts.RedialEvery <= 0 {
		opts.RedialEvery = defaultRedialEvery
	}
	if opts.QueueRetireAfter <= 0 {
		opts.QueueRetireAfter = defaultQueueRetireAfter
	}

	return &Libp2pLink{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		opts:   opts,
		dials:  dials,
		conns:  make(map[string]int),
		queues: make(map[string]*peerQueue),
		inbox:  make(chan linkEvent, 256),
		done:   make(chan struct{}),
	}, nil
}

func (l *Libp2pLink) Identity() string { return l.host.ID().String() }

// Addrs returns the listen addresses in full /p2p/ form, suitable for the
// Dial option of other nodes.
func (l *Libp2pLink) Addrs() []string {
	addrs := l.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, l.host.ID()))
	}
	return out
}

func (l *Libp2pLink) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

func (l *Libp2pLink) Start() error {
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

	l.host.SetStreamHandler(ProtocolID, l.handleStream)
	l.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			l.peerUp(c.RemotePeer())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			l.peerDown(c.RemotePeer())
		},
	})

	go l.dispatch()
	for _, info := range l.dials {
		go l.maintainDial(info)
	}
	return nil
}

// Send queues payload for best-effort delivery to the given peer ID. The
// per-peer flusher opens a stream on demand and retries until ttl expires.
func (l *Libp2pLink) Send(peerID string, payload []byte, ttl time.Duration) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("peer identity %q: %w", peerID, err)
	}
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
	q := l.queues[peerID]
	if q == nil {
		q = newPeerQueue(l, pid)
		l.queues[peerID] = q
		go q.run()
	}
	// Pushing under the lock keeps the queue from retiring between the
	// lookup and the push.
	q.push(queuedPayload{
		payload:  append([]byte(nil), payload...),
		deadline: time.Now().Add(ttl),
	})
	l.mu.Unlock()
	return nil
}

func (l *Libp2pLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	close(l.done)
	return l.host.Close()
}

func (l *Libp2pLink) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case ev := <-l.inbox:
			dispatchEvent(l.snapshotHandlers(), ev)
		}
	}
}

func (l *Libp2pLink) snapshotHandlers() Handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers
}

func (l *Libp2pLink) post(ev linkEvent) {
	select {
	case l.inbox <- ev:
	case <-l.done:
	}
}

// peerUp and peerDown collapse libp2p's per-connection notifications into
// one logical connected state per peer.
func (l *Libp2pLink) peerUp(p peer.ID) {
	id := p.String()
	l.mu.Lock()
	l.conns[id]++
	first := l.conns[id] == 1
	q := l.queues[id]
	l.mu.Unlock()

	if first {
		l.post(linkEvent{kind: eventConnected, peer: id})
		if q != nil {
			q.wakeUp()
		}
	}
}

func (l *Libp2pLink) peerDown(p peer.ID) {
	id := p.String()
	l.mu.Lock()
	last := false
	if n, ok := l.conns[id]; ok {
		if n <= 1 {
			delete(l.conns, id)
			last = true
		} else {
			l.conns[id] = n - 1
		}
	}
	l.mu.Unlock()

	if last {
		l.post(linkEvent{kind: eventDisconnected, peer: id})
	}
}

func (l *Libp2pLink) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer().String()
	reader := msgio.NewReader(s)
	defer s.Close()
	for {
		msg, err := reader.ReadMsg()
		if err != nil {
			return
		}
		payload := append([]byte(nil), msg...)
		reader.ReleaseMsg(msg)
		select {
		case l.inbox <- linkEvent{kind: eventMessage, peer: remote, payload: payload}:
		case <-l.done:
			return
		}
	}
}

// maintainDial keeps a connection to one configured peer, probing at the
// redial pace and reconnecting after drops.
func (l *Libp2pLink) maintainDial(info peer.AddrInfo) {
	l.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	limiter := rate.NewLimiter(rate.Every(l.opts.RedialEvery), 1)
	for {
		if err := limiter.Wait(l.ctx); err != nil {
			return
		}
		if l.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		if err := l.host.Connect(l.ctx, info); err != nil {
			continue
		}
	}
}

// PeerFromAddr extracts the peer identity from a full /p2p/ multiaddr.
func PeerFromAddr(addr string) (string, error) {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return "", fmt.Errorf("multiaddr %q: %w", addr, err)
	}
	return info.ID.String(), nil
}

// loadOrCreateIdentityKey reads a persisted private key, generating and
// saving one on first use.
func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err = crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

type queuedPayload struct {
	payload  []byte
	deadline time.Time
}

// peerQueue flushes payloads bound for one peer over a single outbound
// stream, in send order. Stream setup failures are retried at the redial
// pace until each payload's deadline. A queue that sits empty past
// QueueRetireAfter with its peer disconnected retires itself; the next
// Send builds a fresh one.
type peerQueue struct {
	link *Libp2pLink
	pid  peer.ID
	wake chan struct{}

	mu    sync.Mutex
	items []queuedPayload

	stream network.Stream
	writer msgio.WriteCloser
}

func newPeerQueue(l *Libp2pLink, pid peer.ID) *peerQueue {
	return &peerQueue{link: l, pid: pid, wake: make(chan struct{}, 1)}
}

func (q *peerQueue) push(item queuedPayload) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wakeUp()
}

func (q *peerQueue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *peerQueue) pop() (queuedPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queuedPayload{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *peerQueue) run() {
	limiter := rate.NewLimiter(rate.Every(q.link.opts.RedialEvery), 1)
	for {
		item, ok := q.pop()
		if !ok {
			idle := time.NewTimer(q.link.opts.QueueRetireAfter)
			select {
			case <-q.link.done:
				idle.Stop()
				q.resetStream()
				return
			case <-q.wake:
			case <-idle.C:
				if q.retire() {
					q.resetStream()
					return
				}
			}
			idle.Stop()
			continue
		}
		if err := q.write(item, limiter); err != nil {
			if q.link.ctx.Err() != nil {
				q.resetStream()
				return
			}
			q.link.post(linkEvent{kind: eventDropped, peer: q.pid.String(), payload: item.payload})
		}
	}
}

func (q *peerQueue) write(item queuedPayload, limiter *rate.Limiter) error {
	for {
		if time.Now().After(item.deadline) {
			return fmt.Errorf("delivery to %s expired", q.pid)
		}
		w, err := q.ensureStream(item.deadline, limiter)
		if err != nil {
			if q.link.ctx.Err() != nil {
				return err
			}
			continue
		}
		_ = q.stream.SetWriteDeadline(item.deadline)
		if err := w.WriteMsg(item.payload); err != nil {
			q.resetStream()
			continue
		}
		_ = q.stream.SetWriteDeadline(time.Time{})
		return nil
	}
}

// ensureStream returns a live outbound stream, dialing if necessary. The
// limiter paces attempts so an unreachable peer is not hammered; when no
// attempt fits before the deadline, the call parks until then and reports
// the failure.
func (q *peerQueue) ensureStream(deadline time.Time, limiter *rate.Limiter) (msgio.WriteCloser, error) {
	if q.writer != nil {
		return q.writer, nil
	}
	ctx, cancel := context.WithDeadline(q.link.ctx, deadline)
	defer cancel()
	if err := limiter.Wait(ctx); err != nil {
		// Wait refuses without blocking once the next dial slot lies
		// beyond the deadline. Sleep the rest out so the caller expires
		// the payload instead of retrying hot.
		q.parkUntil(deadline)
		return nil, err
	}
	s, err := q.link.host.NewStream(ctx, q.pid, ProtocolID)
	if err != nil {
		return nil, err
	}
	q.stream = s
	q.writer = msgio.NewWriter(s)
	return q.writer, nil
}

// parkUntil sleeps out the given deadline, waking early on link shutdown.
func (q *peerQueue) parkUntil(deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.link.ctx.Done():
	}
}

// retire unregisters the queue when it is empty and its peer disconnected,
// letting the flusher goroutine exit. The next Send recreates it.
func (q *peerQueue) retire() bool {
	id := q.pid.String()
	q.link.mu.Lock()
	defer q.link.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 || q.link.conns[id] > 0 {
		return false
	}
	delete(q.link.queues, id)
	return true
}

func (q *peerQueue) resetStream() {
	if q.stream != nil {
		_ = q.stream.Reset()
		q.stream = nil
		q.writer = nil
	}
}
