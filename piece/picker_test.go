package piece

import (
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/prxssh/leech/bitfield"
	"github.com/prxssh/leech/config"
)

func init() {
	config.Init()
}

func addrs(n int) []netip.AddrPort {
	base := netip.MustParseAddr("10.0.0.1")
	out := make([]netip.AddrPort, n)
	for i := range out {
		out[i] = netip.AddrPortFrom(base, uint16(6881+i))
	}
	return out
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func newTestPicker(t *testing.T, pieceCount int, pieceLen int64) *Picker {
	t.Helper()
	hashes := make([][sha1.Size]byte, pieceCount)
	total := pieceLen * int64(pieceCount)
	return NewPicker(total, pieceLen, hashes, 50, 7)
}

func TestNextBlockRequiresUnchoked(t *testing.T) {
	pk := newTestPicker(t, 2, BlockSize*2)
	peer := addrs(1)[0]

	_, sig := pk.NextBlock(PeerView{Peer: peer, Has: fullBitfield(2), Unchoked: false})
	if sig != SignalNone {
		t.Fatalf("expected SignalNone while choked, got %v", sig)
	}

	req, sig := pk.NextBlock(PeerView{Peer: peer, Has: fullBitfield(2), Unchoked: true})
	if sig != SignalBlock {
		t.Fatalf("expected SignalBlock, got %v", sig)
	}
	if req.Peer != peer {
		t.Fatalf("request peer = %v, want %v", req.Peer, peer)
	}
}

func TestNextBlockOnlyOffersPiecesPeerHas(t *testing.T) {
	pk := newTestPicker(t, 2, BlockSize)
	peer := addrs(1)[0]

	only0 := bitfield.New(2)
	only0.Set(0)

	req, sig := pk.NextBlock(PeerView{Peer: peer, Has: only0, Unchoked: true})
	if sig != SignalBlock || req.Piece != 0 {
		t.Fatalf("expected piece 0, got piece %d sig %v", req.Piece, sig)
	}
}

func TestContinueInProgressPieceBeatsRarestFirst(t *testing.T) {
	// Two pieces, two blocks each. Peer B has both pieces but piece 0 is
	// already partially downloaded (by peer A) — picker must continue
	// piece 0 rather than start piece 1, even though both are equally
	// rare.
	pk := newTestPicker(t, 2, BlockSize*2)
	peerA, peerB := addrs(2)[0], addrs(2)[1]

	both := fullBitfield(2)
	pk.AddPeerBitfield(peerA, both)
	pk.AddPeerBitfield(peerB, both)

	// peer A takes piece 0 block 0, then it arrives (done).
	req, sig := pk.NextBlock(PeerView{Peer: peerA, Has: both, Unchoked: true})
	if sig != SignalBlock {
		t.Fatalf("setup: expected SignalBlock")
	}
	complete, _ := pk.ReportBlock(peerA, Block{Piece: req.Piece, Begin: req.Begin, Length: req.Length}, nil)
	if complete {
		t.Fatalf("piece should not be complete after one of two blocks")
	}

	// Now peer B asks: should continue whichever piece has a done block.
	req2, sig := pk.NextBlock(PeerView{Peer: peerB, Has: both, Unchoked: true})
	if sig != SignalBlock {
		t.Fatalf("expected SignalBlock for peer B")
	}
	if req2.Piece != req.Piece {
		t.Fatalf("expected peer B to continue piece %d, got %d", req.Piece, req2.Piece)
	}
}

func TestReportBlockCompletesSingleBlockPiece(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize)
	peer := addrs(1)[0]

	req, sig := pk.NextBlock(PeerView{Peer: peer, Has: fullBitfield(1), Unchoked: true})
	if sig != SignalBlock {
		t.Fatalf("expected a block")
	}

	complete, cancels := pk.ReportBlock(peer, Block{Piece: req.Piece, Begin: req.Begin, Length: req.Length}, []byte("data"))
	if !complete {
		t.Fatalf("single-block piece should complete immediately")
	}
	if len(cancels) != 0 {
		t.Fatalf("expected no cancels for a non-duplicated block")
	}
}

func TestOnTimeoutReturnsBlockToWant(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize*2)
	peer := addrs(1)[0]

	req, _ := pk.NextBlock(PeerView{Peer: peer, Has: fullBitfield(1), Unchoked: true})
	pk.OnTimeout(peer, Block{Piece: req.Piece, Begin: req.Begin, Length: req.Length})

	// Same block should be immediately re-assignable.
	req2, sig := pk.NextBlock(PeerView{Peer: peer, Has: fullBitfield(1), Unchoked: true})
	if sig != SignalBlock || req2.Begin != req.Begin {
		t.Fatalf("expected the timed-out block to be reassigned, got %+v sig=%v", req2, sig)
	}
}

func TestOnPeerGoneReleasesBlocksAndAvailability(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize)
	peer := addrs(1)[0]
	bf := fullBitfield(1)

	pk.AddPeerBitfield(peer, bf)
	pk.NextBlock(PeerView{Peer: peer, Has: bf, Unchoked: true})

	pk.OnPeerGone(peer, bf)

	states := pk.PieceStates()
	if states[0] != ProgressNotStarted {
		t.Fatalf("piece should revert to not-started after peer gone, got %v", states[0])
	}

	level, ok := pk.availability.FirstNonEmpty()
	if !ok || level != 0 {
		t.Fatalf("availability should drop back to 0 after peer gone")
	}
}

func TestAddFailedPieceBansIntersectionAfterTwoFailures(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize)
	good, bad := addrs(2)[0], addrs(2)[1]

	first := map[netip.AddrPort]struct{}{good: {}, bad: {}}
	if banned := pk.AddFailedPiece(0, first); banned != nil {
		t.Fatalf("expected no bans after first failure, got %v", banned)
	}

	second := map[netip.AddrPort]struct{}{bad: {}}
	banned := pk.AddFailedPiece(0, second)
	if len(banned) != 1 || banned[0] != bad {
		t.Fatalf("expected only %v banned, got %v", bad, banned)
	}
}

func TestMarkPieceVerifiedSetsBitfieldAndPublishesHave(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize)
	pk.MarkPieceVerified(0, true, nil)

	if !pk.Bitfield().Has(0) {
		t.Fatalf("bitfield should have bit 0 set")
	}

	select {
	case idx := <-pk.Subscribe():
		if idx != 0 {
			t.Fatalf("published index = %d, want 0", idx)
		}
	default:
		t.Fatalf("expected a HAVE notification on Subscribe()")
	}
}

func TestEndgameActivatesNearCompletion(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize)
	peerA, peerB := addrs(2)[0], addrs(2)[1]
	bf := fullBitfield(1)

	req, sig := pk.NextBlock(PeerView{Peer: peerA, Has: bf, Unchoked: true})
	if sig != SignalBlock {
		t.Fatalf("expected first request to be a normal block")
	}

	// remainingBlocks is now 1, at/under the default endgame threshold.
	req2, sig2 := pk.NextBlock(PeerView{Peer: peerB, Has: bf, Unchoked: true})
	if sig2 != SignalEndgame {
		t.Fatalf("expected SignalEndgame once remaining <= threshold, got %v", sig2)
	}
	if req2.Piece != req.Piece || req2.Begin != req.Begin {
		t.Fatalf("endgame duplicate should target the same block")
	}
}
