package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prxssh/leech/bitfield"
	"github.com/prxssh/leech/config"
	"github.com/prxssh/leech/piece"
	"github.com/prxssh/leech/storage"
	"github.com/prxssh/leech/wire"
	"golang.org/x/sync/errgroup"
)

// ErrRequestFlood is returned (and the peer banned) when a peer's queued
// request backlog exceeds maxQueuedRequests.
var ErrRequestFlood = errors.New("peer: request queue exceeded cap")

const maxQueuedRequests = 500

// ChokeReporter receives interest state changes so the Choking Manager can
// compute its unchoke set. Accepting this as an interface keeps peer
// decoupled from the choke package's concrete Manager.
type ChokeReporter interface {
	ReportInterested(netip.AddrPort)
	ReportUninterested(netip.AddrPort)
}

// BanReporter persists bans and is consulted by the Manager before dialing
// or accepting a connection.
type BanReporter interface {
	Insert(netip.Addr) error
	Contains(netip.Addr) bool
}

// Deps bundles a Session's collaborators. All fields except OnPieceComplete
// are required. Uploaded and Downloaded are shared across every Session of a
// torrent so the orchestrator can read running totals without polling each
// peer.
type Deps struct {
	Picker     *piece.Picker
	Disk       *storage.Disk
	ChokeMgr   ChokeReporter
	Bans       BanReporter
	Uploaded   *atomic.Int64
	Downloaded *atomic.Int64

	// OnPieceComplete is invoked, off the hot path, once a piece's last
	// block has been buffered: responders names every peer that delivered
	// a block of the current attempt. The orchestrator uses this to
	// verify the piece's hash, flush it to disk, and broadcast HAVE. May
	// be nil, in which case Session only buffers and never notifies.
	OnPieceComplete func(index int, responders map[netip.AddrPort]struct{})
}

// queuedRequest is a REQUEST from the remote peer waiting to be served.
type queuedRequest struct {
	index, begin, length uint32
}

// Session drives one peer connection through Greeting -> Active -> Closing.
type Session struct {
	conn  net.Conn
	state *State
	log   *slog.Logger
	deps  Deps
	cfg   *config.Config

	outq chan *wire.Message

	uploadedTotal atomic.Int64

	pendingRequests []queuedRequest

	endgame             bool
	globalEndgameBudget int

	// seenAnyMsg flips after the first substantive (non-keep-alive) message;
	// BITFIELD is only legal while it is still false.
	seenAnyMsg bool
}

// NewSession wraps an already handshaken connection. pieceCount sizes the
// peer's bitfield.
func NewSession(conn net.Conn, addr netip.AddrPort, pieceCount int, deps Deps) *Session {
	cfg := config.Load()
	return &Session{
		conn:                conn,
		state:               NewState(addr, pieceCount),
		log:                 slog.Default().With("peer", addr.String()),
		deps:                deps,
		cfg:                 cfg,
		outq:                make(chan *wire.Message, cfg.PeerOutboundQueueBacklog),
		globalEndgameBudget: cfg.MaxInflightRequestsPerPeer,
	}
}

// Run executes Greeting, then Active until the connection ends or ctx is
// cancelled, then always runs Closing. It returns the reason Active ended,
// except context cancellation which is reported as nil.
func (s *Session) Run(ctx context.Context) error {
	if err := s.greeting(); err != nil {
		s.closing()
		return fmt.Errorf("peer: greeting: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()
	s.closing()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// greeting queues our bitfield (from the picker's completion view) and an
// INTERESTED on the outbound queue for writeLoop to send, since a leecher
// always begins interested.
func (s *Session) greeting() error {
	bf := s.deps.Picker.Bitfield()
	if bf.Count() > 0 {
		s.send(wire.MessageBitfield(bf.Bytes()))
	}

	s.state.AmInterested = true
	s.send(wire.MessageInterested())
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			return err
		}

		if msg == nil { // keep-alive
			continue
		}

		if err := s.handleMessage(msg); err != nil {
			s.state.MarkDirty()
			return err
		}

		s.pump()
		s.serve()

		if s.state.Dirty() {
			return fmt.Errorf("peer: disconnected: protocol violation")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PeerHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-s.outq:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wire.WriteMessage(s.conn, msg); err != nil {
				return err
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wire.WriteMessage(s.conn, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Session) send(m *wire.Message) {
	select {
	case s.outq <- m:
	default:
		s.state.MarkDirty()
	}
}

func (s *Session) handleMessage(msg *wire.Message) error {
	first := !s.seenAnyMsg
	s.seenAnyMsg = true

	switch msg.ID {
	case wire.Choke:
		s.state.IsChoked = true
		// Sticky interest: re-assert now in case a prior NOT_INTERESTED
		// was implied by an earlier state transition.
		s.send(wire.MessageInterested())

	case wire.Unchoke:
		s.state.IsChoked = false

	case wire.Interested:
		s.state.IsInterested = true
		s.deps.ChokeMgr.ReportInterested(s.state.Addr)

	case wire.NotInterested:
		s.state.IsInterested = false
		s.deps.ChokeMgr.ReportUninterested(s.state.Addr)

	case wire.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("peer: malformed HAVE")
		}
		if s.state.IsSeed {
			return fmt.Errorf("peer: HAVE from a declared seed")
		}
		if int(idx) >= s.state.PieceCount {
			return fmt.Errorf("peer: HAVE index %d out of range", idx)
		}
		if s.state.Bitfield.Set(int(idx)) {
			// Only a newly-set bit counts toward availability; a redundant
			// HAVE must not inflate the piece's peer count.
			s.deps.Picker.ChangeAvailability(int(idx), 1)
		}
		if s.state.Bitfield.All(s.state.PieceCount) {
			s.state.IsSeed = true
		}

	case wire.BitfieldMsg:
		if !first {
			return fmt.Errorf("peer: BITFIELD after first message")
		}
		if len(msg.Payload) != (s.state.PieceCount+7)/8 {
			return fmt.Errorf("peer: bitfield length %d, want %d", len(msg.Payload), (s.state.PieceCount+7)/8)
		}
		bf := bitfield.FromBytes(msg.Payload)
		if bf.HasPadBits(s.state.PieceCount) {
			return fmt.Errorf("peer: bitfield has non-zero pad bits")
		}
		s.deps.Picker.AddPeerBitfield(s.state.Addr, bf)
		s.state.Bitfield = bf
		if bf.All(s.state.PieceCount) {
			s.state.IsSeed = true
		}

	case wire.Request:
		rp, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("peer: malformed REQUEST")
		}
		if s.state.AmChoked {
			return nil // we're choking them; silently ignore
		}
		if !s.deps.Picker.HasPiece(int(rp.Index)) {
			return nil // don't have it (yet); nothing to serve
		}
		if len(s.pendingRequests) >= maxQueuedRequests {
			_ = s.deps.Bans.Insert(s.state.Addr.Addr())
			return ErrRequestFlood
		}
		s.pendingRequests = append(s.pendingRequests, queuedRequest{rp.Index, rp.Begin, rp.Length})

	case wire.Cancel:
		rp, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("peer: malformed CANCEL")
		}
		s.cancelQueued(rp.Index, rp.Begin, rp.Length)

	case wire.Piece:
		pp, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("peer: malformed PIECE")
		}
		return s.onPieceReceived(pp)

	default:
		return fmt.Errorf("peer: unsupported message id %d", msg.ID)
	}

	return nil
}

func (s *Session) cancelQueued(index, begin, length uint32) {
	for i, r := range s.pendingRequests {
		if r.index == index && r.begin == begin && r.length == length {
			s.pendingRequests = append(s.pendingRequests[:i], s.pendingRequests[i+1:]...)
			return
		}
	}
}

func (s *Session) onPieceReceived(pp wire.PiecePayload) error {
	b := piece.Block{Piece: int(pp.Index), Begin: int(pp.Begin), Length: len(pp.Block)}

	if s.endgame {
		if _, ok := s.state.endgameRequested[b]; !ok {
			return fmt.Errorf("peer: unexpected PIECE outside endgame_requested")
		}
		delete(s.state.endgameRequested, b)
	} else if !s.state.RemoveInFlight(b) {
		return fmt.Errorf("peer: unexpected PIECE outside in_flight_requests")
	}

	s.state.OnBytesReceived(int64(len(pp.Block)), s.endgame, s.globalEndgameBudget)
	s.deps.Downloaded.Add(int64(len(pp.Block)))

	pieceLen := s.deps.Picker.PieceLength(b.Piece)
	blockIdx := piece.BlockIndexForBegin(b.Begin, pieceLen)
	if blockIdx < 0 {
		return fmt.Errorf("peer: PIECE begin %d outside piece %d", b.Begin, b.Piece)
	}
	s.deps.Disk.BufferBlock(b.Piece, pieceLen, blockIdx, pp.Block)

	complete, cancels := s.deps.Picker.ReportBlock(s.state.Addr, b, pp.Block)
	for _, c := range cancels {
		s.send(wire.MessageCancel(c.Piece, c.Begin, b.Length))
	}

	if complete && s.deps.OnPieceComplete != nil {
		s.deps.OnPieceComplete(b.Piece, s.deps.Picker.PieceResponders(b.Piece))
	}

	s.state.IncBalance()

	return nil
}

// pump runs the request pump: in non-endgame mode, keeps asking the picker
// for the next block while unchoked and under the pipeline size, pausing
// 10ms between requests (endgame uses 100ms) so other sessions interleave.
func (s *Session) pump() {
	if !s.endgame && s.deps.Picker.RemainingBlocks() <= s.cfg.EndgameThreshold {
		s.endgame = true
	}

	sleep := 10 * time.Millisecond
	if s.endgame {
		sleep = 100 * time.Millisecond
	}

	for s.state.InFlightCount() < s.state.PipelineSize() {
		view := piece.PeerView{Peer: s.state.Addr, Has: s.state.Bitfield, Unchoked: !s.state.IsChoked}
		req, sig := s.deps.Picker.NextBlock(view)
		if sig == piece.SignalNone {
			return
		}

		b := piece.Block{Piece: req.Piece, Begin: req.Begin, Length: req.Length}
		if sig == piece.SignalEndgame {
			s.state.endgameRequested[b] = struct{}{}
		} else {
			s.state.AddInFlight(b)
		}

		s.send(wire.MessageRequest(req.Piece, req.Begin, req.Length))
		time.Sleep(sleep)
	}
}

// serve fulfills up to balanceCounter queued requests, enforcing the
// tit-for-tat one-for-one upload/download invariant on the hot path.
func (s *Session) serve() {
	n := s.state.DrainBalance()
	for i := 0; i < n && len(s.pendingRequests) > 0; i++ {
		r := s.pendingRequests[0]
		s.pendingRequests = s.pendingRequests[1:]

		data, err := s.deps.Disk.ReadBlock(int(r.index), int64(r.begin), int64(r.length))
		if err != nil {
			s.log.Warn("peer.serve.read_error", "err", err)
			continue
		}

		s.send(wire.MessagePiece(int(r.index), int(r.begin), data))
		s.deps.Uploaded.Add(int64(len(data)))
		s.uploadedTotal.Add(int64(len(data)))
	}
}

// UploadedTotal reports the cumulative bytes served to this peer, used by
// the Manager to compute per-peer upload rate for the choking manager.
func (s *Session) UploadedTotal() int64 {
	return s.uploadedTotal.Load()
}

// SetChoking applies the choking manager's decision for this peer,
// sending CHOKE/UNCHOKE only on an actual transition.
func (s *Session) SetChoking(choked bool) {
	if s.state.AmChoked == choked {
		return
	}
	s.state.AmChoked = choked
	if choked {
		s.send(wire.MessageChoke())
	} else {
		s.send(wire.MessageUnchoke())
	}
}

// closing always runs exactly once per Session, on every exit path.
func (s *Session) closing() {
	_ = s.conn.Close()
	s.deps.ChokeMgr.ReportUninterested(s.state.Addr)

	for _, b := range s.state.InFlightBlocks() {
		s.deps.Picker.Deselect(s.state.Addr, b)
	}

	if !s.endgame {
		s.deps.Picker.OnPeerGone(s.state.Addr, s.state.Bitfield)
	} else {
		// In endgame, availability has already been reconciled by the
		// duplicate-request cancellation path; avoid a second decrement.
		s.deps.Picker.OnPeerGone(s.state.Addr, bitfield.New(s.state.Bitfield.Len()))
	}
}
