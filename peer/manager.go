package peer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/leech/config"
	"github.com/prxssh/leech/wire"
	"golang.org/x/sync/errgroup"
)

// Stats summarizes the peer set for a single torrent at a point in time.
type Stats struct {
	ActivePeers int
	Uploaded    int64
	Downloaded  int64
}

// connection bundles a live Session with the bookkeeping the Manager needs
// to supervise it: its cancel func (for targeted teardown) and a liveness
// marker the heartbeat loop checks.
type connection struct {
	session  *Session
	cancel   context.CancelFunc
	lastSeen time.Time

	// prevUploaded and prevSampledAt are the last UploadRates sample,
	// used to compute a bytes/sec delta on the next call.
	prevUploaded  int64
	prevSampledAt time.Time
}

// Manager admits candidate peer addresses, dials and handshakes them, and
// supervises the resulting Sessions for one torrent: connection limits,
// dedup, and periodic purging of peers that stopped answering.
type Manager struct {
	log *slog.Logger

	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte

	pieceCount int
	deps       Deps

	mu    sync.RWMutex
	peers map[netip.AddrPort]*connection

	peerCh  chan netip.AddrPort
	dialSem chan struct{}

	cfg *config.Config
}

// NewManager builds a Manager for one torrent. deps.Picker and deps.Disk
// must already be constructed for this torrent's metainfo.
func NewManager(infoHash, clientID [sha1.Size]byte, pieceCount int, deps Deps) *Manager {
	cfg := config.Load()

	return &Manager{
		log:        slog.Default().With("src", "peer_manager", "info_hash", hex.EncodeToString(infoHash[:])),
		infoHash:   infoHash,
		clientID:   clientID,
		pieceCount: pieceCount,
		deps:       deps,
		peers:      make(map[netip.AddrPort]*connection),
		peerCh:     make(chan netip.AddrPort, cfg.MaxPeers),
		dialSem:    make(chan struct{}, cfg.MaxPeers/2+1),
		cfg:        cfg,
	}
}

// Run drives connection admission and the heartbeat purge loop until ctx is
// cancelled, then tears every live session down before returning.
func (m *Manager) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return m.processPeersLoop(ctx) })
	eg.Go(func() error { return m.monitorHeartbeat(ctx) })
	eg.Go(func() error {
		<-ctx.Done()
		m.cleanup()
		return nil
	})

	return eg.Wait()
}

// Stats reports the current peer count and cumulative transfer totals.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		ActivePeers: len(m.peers),
		Uploaded:    m.deps.Uploaded.Load(),
		Downloaded:  m.deps.Downloaded.Load(),
	}
}

// AdmitPeers queues candidate addresses for dialing, discarding any that
// overflow the backlog rather than blocking the caller (typically a tracker
// announce response handler).
func (m *Manager) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case m.peerCh <- addr:
		default:
			m.log.Warn("peer queue full, dropping candidate", "addr", addr)
		}
	}
}

// BroadcastHave fans a HAVE message for pieceIdx out to every live peer
// except exclude, dropping it for any peer whose outbound queue is full
// rather than blocking the broadcaster.
func (m *Manager) BroadcastHave(pieceIdx int, exclude netip.AddrPort) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for addr, c := range m.peers {
		if addr == exclude {
			continue
		}
		c.session.send(wire.MessageHave(pieceIdx))
	}
}

func (m *Manager) processPeersLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case addr, ok := <-m.peerCh:
			if !ok {
				return nil
			}
			if m.has(addr) || m.count() >= m.cfg.MaxPeers || m.deps.Bans.Contains(addr.Addr()) {
				continue
			}

			select {
			case m.dialSem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

			go m.connectAndRun(ctx, addr)
		}
	}
}

func (m *Manager) connectAndRun(ctx context.Context, addr netip.AddrPort) {
	defer func() { <-m.dialSem }()

	sess, sctx, cancel, err := m.dial(ctx, addr)
	if err != nil {
		cancel()
		m.log.Debug("dial failed", "addr", addr, "err", err)
		return
	}

	if m.has(addr) || m.count() >= m.cfg.MaxPeers {
		cancel()
		return
	}

	m.add(addr, sess, cancel)
	defer m.remove(addr)

	if err := sess.Run(sctx); err != nil {
		m.log.Debug("session ended", "addr", addr, "err", err)
	}
}

func (m *Manager) dial(ctx context.Context, addr netip.AddrPort) (*Session, context.Context, context.CancelFunc, error) {
	dctx, dcancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer dcancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr.String())
	if err != nil {
		return nil, nil, func() {}, err
	}

	h := wire.NewHandshake(m.infoHash, m.clientID)
	if _, err := wire.PerformContext(dctx, conn, h); err != nil {
		_ = conn.Close()
		return nil, nil, func() {}, err
	}

	sctx, cancel := context.WithCancel(ctx)
	sess := NewSession(conn, addr, m.pieceCount, m.deps)
	return sess, sctx, cancel, nil
}

// Listen accepts inbound connections on l until ctx is cancelled, performing
// the server side of the handshake (read remote's preamble first, verify the
// info hash, then answer) before handing the connection to a Session.
func (m *Manager) Listen(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go m.acceptAndRun(ctx, conn)
	}
}

func (m *Manager) acceptAndRun(ctx context.Context, conn net.Conn) {
	addr, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
	if !ok || m.deps.Bans.Contains(addr) {
		_ = conn.Close()
		return
	}

	remote, err := wire.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if remote.InfoHash != m.infoHash {
		_ = conn.Close()
		return
	}

	h := wire.NewHandshake(m.infoHash, m.clientID)
	if _, err := conn.Write(h.Serialize()); err != nil {
		_ = conn.Close()
		return
	}

	port := uint16(conn.RemoteAddr().(*net.TCPAddr).Port)
	remoteAddr := netip.AddrPortFrom(addr, port)

	if m.has(remoteAddr) || m.count() >= m.cfg.MaxPeers {
		_ = conn.Close()
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	sess := NewSession(conn, remoteAddr, m.pieceCount, m.deps)

	m.add(remoteAddr, sess, cancel)
	defer m.remove(remoteAddr)

	if err := sess.Run(sctx); err != nil {
		m.log.Debug("session ended", "addr", remoteAddr, "err", err)
	}
}

func (m *Manager) has(addr netip.AddrPort) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[addr]
	return ok
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *Manager) add(addr netip.AddrPort, s *Session, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[addr] = &connection{session: s, cancel: cancel, lastSeen: time.Now()}
}

func (m *Manager) remove(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.peers[addr]; ok {
		c.cancel()
		delete(m.peers, addr)
	}
}

func (m *Manager) monitorHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PeerHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n := m.purgeDirty()
			if n > 0 {
				m.log.Debug("purged dirty peers", "count", n)
			}
		}
	}
}

// purgeDirty cancels every session whose State has been marked dirty by a
// protocol violation, rather than waiting for its read/write loop to notice.
func (m *Manager) purgeDirty() int {
	m.mu.RLock()
	stale := make([]netip.AddrPort, 0)
	for addr, c := range m.peers {
		if c.session.state.Dirty() {
			stale = append(stale, addr)
		}
	}
	m.mu.RUnlock()

	for _, addr := range stale {
		m.remove(addr)
	}
	return len(stale)
}

func (m *Manager) cleanup() {
	m.mu.Lock()
	addrs := make([]netip.AddrPort, 0, len(m.peers))
	for addr := range m.peers {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(a netip.AddrPort) {
			defer wg.Done()
			m.remove(a)
		}(addr)
	}
	wg.Wait()
}

// PiecesRemaining exposes RemainingBlocks for callers (e.g. the orchestrator)
// deciding when to stop seeking new peers.
func (m *Manager) PiecesRemaining() int {
	return m.deps.Picker.RemainingBlocks()
}

// UploadRates samples every live peer's upload rate in bytes/sec since the
// previous call, for the choking manager's tit-for-tat ranking. The first
// call after a peer connects reports 0 for it.
func (m *Manager) UploadRates() map[netip.AddrPort]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rates := make(map[netip.AddrPort]int64, len(m.peers))
	for addr, c := range m.peers {
		cur := c.session.UploadedTotal()
		if !c.prevSampledAt.IsZero() {
			if dt := now.Sub(c.prevSampledAt).Seconds(); dt > 0 {
				rates[addr] = int64(float64(cur-c.prevUploaded) / dt)
			}
		} else {
			rates[addr] = 0
		}
		c.prevUploaded = cur
		c.prevSampledAt = now
	}
	return rates
}

// ApplyUnchokeSet sends CHOKE/UNCHOKE to every connected peer as needed so
// exactly the peers in unchoked end up unchoked, per the choking manager's
// latest Tick decision.
func (m *Manager) ApplyUnchokeSet(unchoked []netip.AddrPort) {
	want := make(map[netip.AddrPort]struct{}, len(unchoked))
	for _, p := range unchoked {
		want[p] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for addr, c := range m.peers {
		_, shouldUnchoke := want[addr]
		c.session.SetChoking(!shouldUnchoke)
	}
}

// Disconnect tears down the session for addr, if still connected. Used by
// the orchestrator to act on a ban decided after the connection was
// admitted (e.g. the piece picker's failed-piece intersection rule).
func (m *Manager) Disconnect(addr netip.AddrPort) {
	m.remove(addr)
}
