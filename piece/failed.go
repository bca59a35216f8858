package piece

import "net/netip"

// ReportBlock records a block's arrival from peer. It returns whether the
// owning piece is now fully received (every block done — ready for the
// caller to verify its hash) and any Cancel messages to send for peers that
// were also racing the same block under endgame duplication.
func (pk *Picker) ReportBlock(peer netip.AddrPort, b Block, data []byte) (complete bool, cancels []Cancel) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if b.Piece < 0 || b.Piece >= pk.pieceCount {
		return false, nil
	}
	ps := pk.pieces[b.Piece]
	bi := BlockIndexForBegin(b.Begin, ps.length)
	if bi < 0 || bi >= ps.blockCount {
		return false, nil
	}

	blk := ps.blocks[bi]
	if blk.status == blockDone {
		return ps.doneBlocks == ps.blockCount, nil
	}

	for owner := range blk.owners {
		delete(pk.peerAssignments[owner], packKey(b.Piece, bi))
		if pk.peerInflight[owner] > 0 {
			pk.peerInflight[owner]--
		}
		if owner != peer {
			cancels = append(cancels, Cancel{Peer: owner, Piece: b.Piece, Begin: b.Begin})
		}
	}

	pk.remainingBlocks--
	blk.status = blockDone
	blk.owners = make(map[netip.AddrPort]ownerMeta)
	blk.pendingRequests = 0
	ps.doneBlocks++

	if ps.deliverers == nil {
		ps.deliverers = make(map[int]netip.AddrPort)
	}
	ps.deliverers[bi] = peer

	return ps.doneBlocks == ps.blockCount, cancels
}

// PieceResponders returns the set of peers whose blocks were accepted into
// piece index's current attempt, then clears it so the next attempt (after a
// hash-mismatch reset) starts tracking fresh. Call once after ReportBlock
// reports a piece complete, before verifying and passing the result to
// MarkPieceVerified.
func (pk *Picker) PieceResponders(index int) map[netip.AddrPort]struct{} {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if index < 0 || index >= pk.pieceCount {
		return nil
	}
	ps := pk.pieces[index]

	out := make(map[netip.AddrPort]struct{}, len(ps.deliverers))
	for _, p := range ps.deliverers {
		out[p] = struct{}{}
	}
	ps.deliverers = nil

	return out
}

// MarkPieceVerified records the outcome of hashing a fully-received piece.
// On success it marks the piece complete, updates the local bitfield, and
// publishes the index to Subscribe(). On failure it calls AddFailedPiece
// and resets the piece's blocks to blockWant for re-download.
func (pk *Picker) MarkPieceVerified(index int, ok bool, responders map[netip.AddrPort]struct{}) []netip.AddrPort {
	if ok {
		pk.mu.Lock()
		ps := pk.pieces[index]
		ps.verified = true
		pk.bitfield.Set(index)
		pk.mu.Unlock()

		pk.publishHave(index)
		return nil
	}

	return pk.AddFailedPiece(index, responders)
}

// AddFailedPiece records a hash-mismatch attempt's responder set against
// piece index and resets its blocks to blockWant. Once two or more failed
// attempts are on record, peers present in the intersection of every
// attempt's responder set are returned as bans: they contributed to every
// corrupted attempt, which a peer with only incidental involvement in one
// bad attempt would not do.
func (pk *Picker) AddFailedPiece(index int, responders map[netip.AddrPort]struct{}) []netip.AddrPort {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if index < 0 || index >= pk.pieceCount {
		return nil
	}
	ps := pk.pieces[index]

	snapshot := make(map[netip.AddrPort]struct{}, len(responders))
	for p := range responders {
		snapshot[p] = struct{}{}
	}
	ps.failureResponders = append(ps.failureResponders, snapshot)

	for _, blk := range ps.blocks {
		if blk.status == blockDone {
			pk.remainingBlocks++
		}
		blk.status = blockWant
		blk.owners = make(map[netip.AddrPort]ownerMeta)
		blk.pendingRequests = 0
	}
	ps.doneBlocks = 0
	ps.deliverers = nil

	if len(ps.failureResponders) < 2 {
		return nil
	}

	intersection := make(map[netip.AddrPort]struct{})
	for p := range ps.failureResponders[0] {
		inAll := true
		for _, set := range ps.failureResponders[1:] {
			if _, ok := set[p]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			intersection[p] = struct{}{}
		}
	}

	banned := make([]netip.AddrPort, 0, len(intersection))
	for p := range intersection {
		banned = append(banned, p)
	}
	return banned
}
