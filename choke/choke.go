// Package choke implements the choking manager: it tracks which peers are
// currently interested in us and decides, on a fixed tick, which subset to
// unchoke. Session-level choke bookkeeping (the actual CHOKE/UNCHOKE wire
// messages) lives in package peer; this package only computes the set.
package choke

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/prxssh/leech/config"
)

// Manager maintains the live interested-peer set for one torrent and, on
// Tick, picks which peers to unchoke: the top N-1 interested peers ranked
// by upload rate, plus one periodically rotated optimistic-unchoke slot so
// new or currently-choked peers get a chance to prove themselves.
type Manager struct {
	mu         sync.Mutex
	interested map[netip.AddrPort]struct{}

	maxUnchoked int
	optInterval time.Duration

	lastOptimistic   netip.AddrPort
	lastOptimisticAt time.Time
	rotation         []netip.AddrPort
	rotationPos      int
}

// NewManager returns a Manager configured from config.Load().
func NewManager() *Manager {
	cfg := config.Load()
	return &Manager{
		interested:  make(map[netip.AddrPort]struct{}),
		maxUnchoked: cfg.MaxUnchokedPeers,
		optInterval: cfg.OptimisticUnchokeInterval,
	}
}

// ReportInterested records that peer declared interest in us.
func (m *Manager) ReportInterested(peer netip.AddrPort) {
	m.mu.Lock()
	m.interested[peer] = struct{}{}
	m.mu.Unlock()
}

// ReportUninterested forgets peer's interest (also called on disconnect).
func (m *Manager) ReportUninterested(peer netip.AddrPort) {
	m.mu.Lock()
	delete(m.interested, peer)
	m.mu.Unlock()
}

// Tick computes the unchoke set given each interested peer's current
// upload rate (bytes/sec, as measured by the caller). It returns the peers
// to unchoke this round; every other interested peer should be choked.
func (m *Manager) Tick(uploadRates map[netip.AddrPort]int64) []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]netip.AddrPort, 0, len(m.interested))
	for p := range m.interested {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if uploadRates[peers[i]] != uploadRates[peers[j]] {
			return uploadRates[peers[i]] > uploadRates[peers[j]]
		}
		return peers[i].String() < peers[j].String()
	})

	regularSlots := m.maxUnchoked - 1
	if regularSlots < 0 {
		regularSlots = 0
	}

	out := make([]netip.AddrPort, 0, m.maxUnchoked)
	picked := make(map[netip.AddrPort]struct{})
	for i := 0; i < regularSlots && i < len(peers); i++ {
		out = append(out, peers[i])
		picked[peers[i]] = struct{}{}
	}

	if opt, ok := m.nextOptimistic(peers, picked); ok {
		out = append(out, opt)
	}

	return out
}

// nextOptimistic rotates through every currently-interested peer not
// already in the regular unchoke set, advancing at most once per
// optInterval so the same peer gets a fair trial window.
func (m *Manager) nextOptimistic(peers []netip.AddrPort, picked map[netip.AddrPort]struct{}) (netip.AddrPort, bool) {
	candidates := make([]netip.AddrPort, 0, len(peers))
	for _, p := range peers {
		if _, already := picked[p]; !already {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return netip.AddrPort{}, false
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })

	if time.Since(m.lastOptimisticAt) < m.optInterval && m.rotationContains(candidates, m.lastOptimistic) {
		return m.lastOptimistic, true
	}

	m.rotationPos++
	if m.rotationPos >= len(candidates) {
		m.rotationPos = 0
	}
	chosen := candidates[m.rotationPos]
	m.lastOptimistic = chosen
	m.lastOptimisticAt = time.Now()
	return chosen, true
}

func (m *Manager) rotationContains(peers []netip.AddrPort, target netip.AddrPort) bool {
	for _, p := range peers {
		if p == target {
			return true
		}
	}
	return false
}

// Run ticks the manager every ChokeTickInterval until ctx is cancelled,
// calling rates to sample upload rates and onUnchoke with the computed set.
func (m *Manager) Run(ctx context.Context, rates func() map[netip.AddrPort]int64, onUnchoke func([]netip.AddrPort)) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.ChokeTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			onUnchoke(m.Tick(rates()))
		}
	}
}
