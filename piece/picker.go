package piece

import (
	"crypto/sha1"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/leech/bitfield"
	"github.com/prxssh/leech/config"
)

// Block identifies a single addressable transfer unit within a piece.
type Block struct {
	Piece  int
	Begin  int
	Length int
}

// Signal reports what NextBlock decided for a peer.
type Signal int

const (
	SignalNone Signal = iota
	SignalBlock
	SignalEndgame
)

// Cancel is a block request that must be cancelled because another peer's
// copy arrived first (endgame reconciliation).
type Cancel struct {
	Peer  netip.AddrPort
	Piece int
	Begin int
}

// PeerView is the read-only snapshot a Session passes to NextBlock: what
// the peer is known to have and whether we're currently unchoked by it.
type PeerView struct {
	Peer     netip.AddrPort
	Has      bitfield.Bitfield
	Unchoked bool
}

// Request is a concrete block assignment the caller should turn into a wire
// REQUEST message.
type Request struct {
	Peer   netip.AddrPort
	Piece  int
	Begin  int
	Length int
}

// PieceProgress reports a piece's download status for progress reporting.
type PieceProgress int

const (
	ProgressNotStarted PieceProgress = iota
	ProgressInProgress
	ProgressComplete
)

type blockState uint8

const (
	blockWant blockState = iota
	blockInflight
	blockDone
)

type ownerMeta struct {
	sentAt time.Time
}

type block struct {
	status          blockState
	pendingRequests int
	owners          map[netip.AddrPort]ownerMeta
}

// pieceState is one piece's static metadata and dynamic progress, including
// the failure history used to attribute corruption to bad peers.
type pieceState struct {
	index       int
	length      int64
	blockCount  int
	lastBlock   int
	sha         [sha1.Size]byte
	availability int
	doneBlocks  int
	verified    bool
	blocks      []*block

	// failureResponders is one entry per past hash-mismatch, holding the
	// set of peers that contributed a block to that failed attempt. Once
	// two or more entries exist, their intersection names the peers
	// consistently present at a corrupted attempt.
	failureResponders []map[netip.AddrPort]struct{}

	// deliverers maps block index to whichever peer's copy was accepted,
	// for the current in-progress attempt. Consumed via PieceResponders
	// once the piece is fully received.
	deliverers map[int]netip.AddrPort
}

// Picker is the per-torrent download planner: it owns piece/block state,
// peer availability accounting, and request assignment.
type Picker struct {
	mu sync.RWMutex

	pieceCount   int
	blockSizeLen int64
	pieces       []*pieceState
	availability *availabilityBucket
	bitfield     bitfield.Bitfield

	nextPiece int
	nextBlock int

	endgame         bool
	endgameThresh   int
	endgameDup      int
	remainingBlocks int

	maxInflightPerPeer int

	rng *rand.Rand

	peerAssignments map[netip.AddrPort]map[uint64]struct{}
	peerInflight    map[netip.AddrPort]int

	haveCh chan int
}

// NewPicker builds a Picker for a torrent of totalSize bytes cut into
// pieceLength chunks, with one SHA-1 per piece in hashes. seed fixes the
// tie-break RNG (pass a deterministic value in tests); it must never be
// reseeded from peer identity, which would let a peer bias piece selection.
func NewPicker(totalSize, pieceLength int64, hashes [][sha1.Size]byte, maxPeers int, seed int64) *Picker {
	cfg := config.Load()
	n := len(hashes)

	pieces := make([]*pieceState, n)
	totalBlocks := 0
	for i := 0; i < n; i++ {
		plen, _ := LengthAt(i, totalSize, pieceLength)
		bc := BlockCount(plen)
		blocks := make([]*block, bc)
		for j := range blocks {
			blocks[j] = &block{status: blockWant, owners: make(map[netip.AddrPort]ownerMeta)}
		}

		pieces[i] = &pieceState{
			index:      i,
			length:     plen,
			blockCount: bc,
			lastBlock:  LastBlockLength(plen),
			sha:        hashes[i],
			blocks:     blocks,
		}
		totalBlocks += bc
	}

	return &Picker{
		pieceCount:         n,
		blockSizeLen:       BlockSize,
		pieces:             pieces,
		availability:       newAvailabilityBucket(n, maxPeers),
		bitfield:           bitfield.New(n),
		rng:                rand.New(rand.NewSource(seed)),
		remainingBlocks:    totalBlocks,
		endgameThresh:      cfg.EndgameThreshold,
		endgameDup:         cfg.EndgameDupPerBlock,
		maxInflightPerPeer: cfg.MaxInflightRequestsPerPeer,
		peerAssignments:    make(map[netip.AddrPort]map[uint64]struct{}),
		peerInflight:       make(map[netip.AddrPort]int),
		haveCh:             make(chan int, 256),
	}
}

// Bitfield returns the torrent's current local completion bitmap.
func (pk *Picker) Bitfield() bitfield.Bitfield {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.bitfield.Clone()
}

// Subscribe returns the channel on which piece indices are published as
// they complete verification. The picker never blocks publishing to it: the
// channel is buffered and a full buffer drops the oldest notification in
// favor of the newest, since subscribers only use this as a wakeup signal
// and can always re-derive the current bitfield.
func (pk *Picker) Subscribe() <-chan int {
	return pk.haveCh
}

func (pk *Picker) publishHave(index int) {
	select {
	case pk.haveCh <- index:
	default:
		select {
		case <-pk.haveCh:
		default:
		}
		select {
		case pk.haveCh <- index:
		default:
		}
	}
}

// ChangeAvailability adjusts piece index's availability counter by delta,
// typically +1/-1 from a HAVE message, an initial bitfield, or a peer
// disconnect.
func (pk *Picker) ChangeAvailability(index, delta int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.changeAvailabilityLocked(index, delta)
}

func (pk *Picker) changeAvailabilityLocked(index, delta int) {
	if index < 0 || index >= pk.pieceCount {
		return
	}
	pk.availability.Move(index, delta, pk.rng)
	pk.pieces[index].availability = int(pk.availability.avail[index])
}

// AddPeerBitfield records a peer's full bitfield, incrementing availability
// for every piece it has.
func (pk *Picker) AddPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	for i := 0; i < pk.pieceCount; i++ {
		if bf.Has(i) {
			pk.changeAvailabilityLocked(i, 1)
		}
	}
}

// OnPeerGone releases every block peer held and reverses the availability
// contribution of its full bitfield: exactly once per set bit, never
// partially.
func (pk *Picker) OnPeerGone(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := 0; i < pk.pieceCount; i++ {
		if bf.Has(i) {
			pk.changeAvailabilityLocked(i, -1)
		}
	}

	for key := range pk.peerAssignments[peer] {
		pieceIdx, blockIdx := unpackKey(key)
		if pieceIdx < 0 || pieceIdx >= pk.pieceCount {
			continue
		}
		ps := pk.pieces[pieceIdx]
		if blockIdx < 0 || blockIdx >= ps.blockCount {
			continue
		}
		blk := ps.blocks[blockIdx]
		delete(blk.owners, peer)
		if blk.status == blockInflight && len(blk.owners) == 0 {
			blk.status = blockWant
			if pieceIdx == pk.nextPiece && blockIdx < pk.nextBlock {
				pk.nextBlock = blockIdx
			}
		}
	}

	delete(pk.peerAssignments, peer)
	delete(pk.peerInflight, peer)
}

// HasPiece reports whether piece index has been downloaded and verified.
func (pk *Picker) HasPiece(index int) bool {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return index >= 0 && index < pk.pieceCount && pk.pieces[index].verified
}

// PieceHash returns the expected SHA-1 of piece index.
func (pk *Picker) PieceHash(index int) [sha1.Size]byte {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pieces[index].sha
}

// PieceLength returns the actual byte length of piece index.
func (pk *Picker) PieceLength(index int) int64 {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pieces[index].length
}

// PieceStates reports every piece's download progress, indexed by piece.
func (pk *Picker) PieceStates() []PieceProgress {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	states := make([]PieceProgress, pk.pieceCount)
	for i, ps := range pk.pieces {
		switch {
		case ps.verified:
			states[i] = ProgressComplete
		case ps.doneBlocks > 0:
			states[i] = ProgressInProgress
		default:
			states[i] = ProgressNotStarted
		}
	}
	return states
}

// ResumeVerifiedPiece marks piece index as already complete and verified,
// for data found correct on disk at startup (before any peer has
// contributed a block). It must not be called once downloading has begun.
func (pk *Picker) ResumeVerifiedPiece(index int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if index < 0 || index >= pk.pieceCount {
		return
	}
	ps := pk.pieces[index]
	if ps.verified {
		return
	}

	for _, blk := range ps.blocks {
		if blk.status != blockDone {
			pk.remainingBlocks--
		}
		blk.status = blockDone
		blk.owners = make(map[netip.AddrPort]ownerMeta)
	}
	ps.doneBlocks = ps.blockCount
	ps.verified = true
	pk.bitfield.Set(index)
}

// RemainingBlocks reports the number of blocks across the whole torrent
// that have not yet reached blockDone. Endgame mode activates once this
// drops to or below the configured threshold.
func (pk *Picker) RemainingBlocks() int {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.remainingBlocks
}

func packKey(pieceIdx, blockIdx int) uint64 {
	return uint64(uint32(pieceIdx))<<32 | uint64(uint32(blockIdx))
}

func unpackKey(key uint64) (pieceIdx, blockIdx int) {
	return int(uint32(key >> 32)), int(uint32(key))
}
