package choke

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/leech/config"
)

func init() {
	config.Init()
}

func addr(port int) netip.AddrPort {
	return netip.MustParseAddrPort("10.0.0.1:" + itoa(port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestTickPicksTopUploadersByRate(t *testing.T) {
	m := NewManager()
	m.maxUnchoked = 3 // 2 regular + 1 optimistic

	peers := []netip.AddrPort{addr(1), addr(2), addr(3), addr(4)}
	for _, p := range peers {
		m.ReportInterested(p)
	}

	rates := map[netip.AddrPort]int64{
		addr(1): 100,
		addr(2): 500,
		addr(3): 10,
		addr(4): 50,
	}

	got := m.Tick(rates)
	if len(got) != 3 {
		t.Fatalf("expected 3 unchoked peers, got %d: %v", len(got), got)
	}
	if got[0] != addr(2) || got[1] != addr(1) {
		t.Fatalf("expected top-2 by rate first, got %v", got[:2])
	}
}

func TestReportUninterestedRemovesFromConsideration(t *testing.T) {
	m := NewManager()
	m.maxUnchoked = 2

	m.ReportInterested(addr(1))
	m.ReportUninterested(addr(1))

	got := m.Tick(map[netip.AddrPort]int64{addr(1): 1000})
	if len(got) != 0 {
		t.Fatalf("expected no unchoked peers once uninterested, got %v", got)
	}
}

func TestOptimisticSlotRotatesOverInterval(t *testing.T) {
	m := NewManager()
	m.maxUnchoked = 1 // pure-optimistic: no regular slots
	m.optInterval = 0 // force rotation every tick

	peers := []netip.AddrPort{addr(1), addr(2), addr(3)}
	for _, p := range peers {
		m.ReportInterested(p)
	}

	seen := map[netip.AddrPort]bool{}
	for i := 0; i < len(peers); i++ {
		got := m.Tick(nil)
		if len(got) != 1 {
			t.Fatalf("expected exactly one optimistic unchoke, got %v", got)
		}
		seen[got[0]] = true
		time.Sleep(time.Millisecond)
	}

	if len(seen) != len(peers) {
		t.Fatalf("expected rotation to eventually cover all peers, saw %d/%d", len(seen), len(peers))
	}
}
