// Package peer implements the per-connection state machine (Session) and
// the admission/heartbeat loop (Manager) that supervises a torrent's peer
// connections.
package peer

import (
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/leech/bitfield"
	"github.com/prxssh/leech/piece"
)

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// State holds everything a Session tracks about one remote peer: choke
// flags, its advertised bitfield, in-flight bookkeeping, and the rate
// history used to size its request pipeline.
type State struct {
	mu sync.Mutex

	Addr netip.AddrPort

	// PieceCount is the torrent's true piece count N, distinct from
	// Bitfield.Len() which rounds up to the next byte boundary: All must
	// be checked against N, not its padded length, or a legitimate seed
	// whose N isn't a multiple of 8 would never be recognized as one.
	PieceCount int

	IsChoked      bool // we are choked by the peer
	IsInterested  bool // the peer is interested in us
	AmChoked      bool // we are choking the peer (legacy naming kept for symmetry)
	AmInterested  bool // we are interested in the peer
	IsSeed        bool

	Bitfield bitfield.Bitfield

	pipelineSize int
	inFlight     map[piece.Block]struct{}

	// endgameRequested tracks blocks requested from this peer once
	// endgame mode started, which aren't added to inFlight since the
	// picker may hand the same block to several peers at once. Duplicate
	// reconciliation (cancelling the other copies once one arrives) is
	// the picker's job: ReportBlock returns the Cancels to send, so this
	// peer's State doesn't need its own cancelled-set bookkeeping.
	endgameRequested map[piece.Block]struct{}

	lastRx       time.Time
	bytesThisMsg int64

	// balanceCounter implements tit-for-tat on the hot path: every PIECE
	// we accept increments it; the session's serving step drains it by
	// fulfilling that many queued peer requests.
	balanceCounter int

	// dirty marks a peer slated for disconnection (protocol violation or
	// ban) so the read/write loops can tear it down at the next
	// opportunity instead of mid-handler.
	dirty bool
}

// NewState returns a fresh State for a newly handshaken peer tracking
// pieceCount pieces. Per BEP 3, a connection starts choked both ways and
// not interested both ways.
func NewState(addr netip.AddrPort, pieceCount int) *State {
	return &State{
		Addr:             addr,
		PieceCount:       pieceCount,
		IsChoked:         true,
		AmChoked:         true,
		Bitfield:         bitfield.New(pieceCount),
		pipelineSize:     2,
		inFlight:         make(map[piece.Block]struct{}),
		endgameRequested: make(map[piece.Block]struct{}),
		lastRx:           time.Now(),
	}
}

// InFlightCount reports how many blocks are currently outstanding to this
// peer.
func (s *State) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// PipelineSize reports the current request window size.
func (s *State) PipelineSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelineSize
}

// AddInFlight records b as outstanding to this peer.
func (s *State) AddInFlight(b piece.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[b] = struct{}{}
}

// RemoveInFlight drops b from the outstanding set, reporting whether it was
// present.
func (s *State) RemoveInFlight(b piece.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[b]; !ok {
		return false
	}
	delete(s.inFlight, b)
	return true
}

// InFlightBlocks returns a snapshot of every block currently outstanding to
// this peer, used at teardown to deselect them in the picker.
func (s *State) InFlightBlocks() []piece.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]piece.Block, 0, len(s.inFlight))
	for b := range s.inFlight {
		out = append(out, b)
	}
	return out
}

// MarkDirty flags the peer for disconnection.
func (s *State) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether the peer has been flagged for disconnection.
func (s *State) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// IncBalance increments the tit-for-tat counter by one PIECE accepted.
func (s *State) IncBalance() {
	s.mu.Lock()
	s.balanceCounter++
	s.mu.Unlock()
}

// DrainBalance reports and resets the number of requests this session may
// serve before the next PIECE we receive replenishes it.
func (s *State) DrainBalance() int {
	s.mu.Lock()
	n := s.balanceCounter
	s.balanceCounter = 0
	s.mu.Unlock()
	return n
}

// OnBytesReceived records that n bytes just arrived (for an entire wire
// message, not a keep-alive) and recomputes the pipeline size from the
// observed rate. Updates ignore jitter under 50ms.
func (s *State) OnBytesReceived(n int64, endgame bool, globalEndgameBudget int) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	dt := now.Sub(s.lastRx)
	s.lastRx = now
	if dt < 50*time.Millisecond {
		return
	}

	rateKiBs := float64(n) / 1024 / dt.Seconds()

	if !endgame {
		if rateKiBs < 20 {
			s.pipelineSize = clamp(int(rateKiBs)+2, 2, 64)
		} else {
			s.pipelineSize = clamp(int(rateKiBs/5)+18, 2, 64)
		}
		return
	}

	budget := int(rateKiBs) + 2
	if budget > globalEndgameBudget {
		budget = globalEndgameBudget
	}
	s.pipelineSize = budget
}
