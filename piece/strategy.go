package piece

import (
	"net/netip"
	"time"

	"github.com/prxssh/leech/bitfield"
	"github.com/prxssh/leech/config"
)

// NextBlock chooses the next block to request from view.Peer, honoring
// choke state and per-peer/global inflight limits, and reports which signal
// applies. The top-priority rule (ahead of whichever base strategy is
// configured) is to continue an already in-progress piece the peer
// advertises: this bounds how many pieces are open at once, shrinking the
// window in which one bad peer can poison a piece.
func (pk *Picker) NextBlock(view PeerView) (Request, Signal) {
	if !view.Unchoked {
		return Request{}, SignalNone
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pk.peerInflight[view.Peer] >= pk.maxInflightPerPeer {
		return Request{}, SignalNone
	}

	if !pk.endgame && pk.remainingBlocks <= pk.endgameThresh {
		pk.endgame = true
	}

	if req, ok := pk.continueInProgressPiece(view.Peer, view.Has); ok {
		return req, SignalBlock
	}

	var req Request
	var ok bool

	switch config.Load().PieceStrategy {
	case config.StrategySequential:
		req, ok = pk.selectSequential(view.Peer, view.Has)
	case config.StrategyRandomFirst:
		req, ok = pk.selectRandomFirst(view.Peer, view.Has)
	default:
		req, ok = pk.selectRarestFirst(view.Peer, view.Has)
	}
	if ok {
		return req, SignalBlock
	}

	if pk.endgame {
		if req, ok := pk.selectEndgameDuplicate(view.Peer, view.Has); ok {
			return req, SignalEndgame
		}
	}

	return Request{}, SignalNone
}

// continueInProgressPiece looks for a piece with at least one done block
// and at least one still-wanted block that the peer has, preferring the
// piece with the fewest remaining blocks (closest to completion).
func (pk *Picker) continueInProgressPiece(peer netip.AddrPort, bf bitfield.Bitfield) (Request, bool) {
	best := -1
	bestRemaining := 1 << 30

	for i, ps := range pk.pieces {
		if ps.verified || ps.doneBlocks == 0 || !bf.Has(i) {
			continue
		}
		remaining := ps.blockCount - ps.doneBlocks
		if remaining <= 0 {
			continue
		}
		if !pk.pieceHasWantedBlock(ps) {
			continue
		}
		if remaining < bestRemaining {
			best, bestRemaining = i, remaining
		}
	}

	if best < 0 {
		return Request{}, false
	}

	ps := pk.pieces[best]
	for bi, blk := range ps.blocks {
		if blk.status == blockWant {
			return pk.assign(peer, ps, bi), true
		}
	}
	return Request{}, false
}

func (pk *Picker) pieceHasWantedBlock(ps *pieceState) bool {
	for _, blk := range ps.blocks {
		if blk.status == blockWant {
			return true
		}
	}
	return false
}

func (pk *Picker) selectSequential(peer netip.AddrPort, bf bitfield.Bitfield) (Request, bool) {
	for pk.nextPiece < pk.pieceCount && pk.pieces[pk.nextPiece].verified {
		pk.nextPiece++
		pk.nextBlock = 0
	}
	if pk.nextPiece >= pk.pieceCount {
		return Request{}, false
	}

	ps := pk.pieces[pk.nextPiece]
	if !bf.Has(ps.index) {
		return Request{}, false
	}

	for bi := pk.nextBlock; bi < ps.blockCount; bi++ {
		if ps.blocks[bi].status == blockWant {
			pk.nextBlock = bi + 1
			return pk.assign(peer, ps, bi), true
		}
	}

	return Request{}, false
}

func (pk *Picker) selectRarestFirst(peer netip.AddrPort, bf bitfield.Bitfield) (Request, bool) {
	for level, ok := pk.availability.FirstNonEmpty(); ok; {
		for _, idx := range pk.availability.Bucket(level) {
			ps := pk.pieces[idx]
			if ps.verified || !bf.Has(idx) {
				continue
			}
			for bi, blk := range ps.blocks {
				if blk.status == blockWant {
					return pk.assign(peer, ps, bi), true
				}
			}
		}

		level++
		if level > pk.availability.maxAvail {
			break
		}
	}
	return Request{}, false
}

func (pk *Picker) selectRandomFirst(peer netip.AddrPort, bf bitfield.Bitfield) (Request, bool) {
	order := pk.rng.Perm(pk.pieceCount)
	for _, idx := range order {
		ps := pk.pieces[idx]
		if ps.verified || !bf.Has(idx) {
			continue
		}
		for bi, blk := range ps.blocks {
			if blk.status == blockWant {
				return pk.assign(peer, ps, bi), true
			}
		}
	}
	return Request{}, false
}

// selectEndgameDuplicate assigns a second (or later) owner to a block
// that's already inflight, up to endgameDup owners, so slow peers don't
// stall the final handful of blocks.
func (pk *Picker) selectEndgameDuplicate(peer netip.AddrPort, bf bitfield.Bitfield) (Request, bool) {
	for i, ps := range pk.pieces {
		if ps.verified || !bf.Has(i) {
			continue
		}
		for bi, blk := range ps.blocks {
			if blk.status != blockInflight {
				continue
			}
			if len(blk.owners) >= pk.endgameDup {
				continue
			}
			if _, already := blk.owners[peer]; already {
				continue
			}
			return pk.assign(peer, ps, bi), true
		}
	}
	return Request{}, false
}

// assign records ownership of (ps.index, blockIdx) by peer and returns the
// concrete Request, updating reverse indices and inflight counters.
func (pk *Picker) assign(peer netip.AddrPort, ps *pieceState, blockIdx int) Request {
	blk := ps.blocks[blockIdx]
	begin, length, _ := BlockBounds(ps.length, blockIdx)

	blk.status = blockInflight
	blk.pendingRequests++
	blk.owners[peer] = ownerMeta{sentAt: time.Now()}

	key := packKey(ps.index, blockIdx)
	if pk.peerAssignments[peer] == nil {
		pk.peerAssignments[peer] = make(map[uint64]struct{})
	}
	pk.peerAssignments[peer][key] = struct{}{}
	pk.peerInflight[peer]++

	return Request{Peer: peer, Piece: ps.index, Begin: begin, Length: length}
}

// Deselect releases peer's claim on b without marking it done, used when a
// Session decides to stop waiting on a request it issued (e.g. on its own
// shutdown) without attributing a timeout.
func (pk *Picker) Deselect(peer netip.AddrPort, b Block) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.releaseLocked(peer, b.Piece, b.Begin)
}

// OnTimeout is semantically identical to Deselect; kept as a distinct name
// because callers reach it from different places (request-pump expiry vs.
// session teardown) and the distinction is useful in logs.
func (pk *Picker) OnTimeout(peer netip.AddrPort, b Block) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.releaseLocked(peer, b.Piece, b.Begin)
}

func (pk *Picker) releaseLocked(peer netip.AddrPort, pieceIdx, begin int) {
	if pieceIdx < 0 || pieceIdx >= pk.pieceCount {
		return
	}
	ps := pk.pieces[pieceIdx]
	bi := BlockIndexForBegin(begin, ps.length)
	if bi < 0 || bi >= ps.blockCount {
		return
	}

	blk := ps.blocks[bi]
	if _, had := blk.owners[peer]; !had {
		return
	}
	delete(blk.owners, peer)
	delete(pk.peerAssignments[peer], packKey(pieceIdx, bi))
	if pk.peerInflight[peer] > 0 {
		pk.peerInflight[peer]--
	}

	if blk.status == blockInflight && len(blk.owners) == 0 {
		blk.status = blockWant
		if pieceIdx == pk.nextPiece && bi < pk.nextBlock {
			pk.nextBlock = bi
		}
	}
}
