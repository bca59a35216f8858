package piece

import "testing"

func TestResumeVerifiedPieceMarksDoneAndUpdatesBitfield(t *testing.T) {
	pk := newTestPicker(t, 3, BlockSize*2)

	before := pk.RemainingBlocks()
	pk.ResumeVerifiedPiece(1)

	if !pk.Bitfield().Has(1) {
		t.Fatalf("expected bitfield bit 1 set after resume")
	}
	if got := pk.RemainingBlocks(); got != before-2 {
		t.Fatalf("expected RemainingBlocks to drop by the piece's block count, got %d (before %d)", got, before)
	}
	states := pk.PieceStates()
	if states[1] != ProgressComplete {
		t.Fatalf("expected piece 1 to report ProgressComplete, got %v", states[1])
	}

	// A second resume call must be a no-op, not double-decrement.
	pk.ResumeVerifiedPiece(1)
	if got := pk.RemainingBlocks(); got != before-2 {
		t.Fatalf("second ResumeVerifiedPiece call changed RemainingBlocks: got %d, want %d", got, before-2)
	}
}

func TestPieceRespondersTracksDeliverersAndClears(t *testing.T) {
	pk := newTestPicker(t, 1, BlockSize*2)
	peers := addrs(2)

	pk.ReportBlock(peers[0], Block{Piece: 0, Begin: 0, Length: BlockSize}, make([]byte, BlockSize))
	pk.ReportBlock(peers[1], Block{Piece: 0, Begin: BlockSize, Length: BlockSize}, make([]byte, BlockSize))

	got := pk.PieceResponders(0)
	if len(got) != 2 {
		t.Fatalf("expected 2 responders, got %d", len(got))
	}
	for _, p := range peers {
		if _, ok := got[p]; !ok {
			t.Fatalf("expected %v in responders", p)
		}
	}

	// Consumed once; a second call sees an empty set until new blocks land.
	if got := pk.PieceResponders(0); len(got) != 0 {
		t.Fatalf("expected PieceResponders to clear after consumption, got %v", got)
	}
}
