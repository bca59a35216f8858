// Package torrent is the orchestrator: it wires the wire codec, file
// manager, piece picker, peer sessions, and choking manager together into
// one running download/upload for a single .torrent file.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	mr "math/rand"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/prxssh/leech/banlist"
	"github.com/prxssh/leech/choke"
	"github.com/prxssh/leech/config"
	"github.com/prxssh/leech/metainfo"
	"github.com/prxssh/leech/peer"
	"github.com/prxssh/leech/piece"
	"github.com/prxssh/leech/storage"
	"github.com/prxssh/leech/tracker"
	"github.com/prxssh/leech/wire"
	"golang.org/x/sync/errgroup"
)

// verifyJob is one completed piece awaiting hash verification, handed off
// by a Session's OnPieceComplete callback to the verify worker pool so
// hashing never blocks a peer's read loop.
type verifyJob struct {
	index      int
	responders map[netip.AddrPort]struct{}
}

// CompletionRecorder is notified once, after the final piece has verified
// and been flushed, with the finished torrent's descriptor. Keeping a
// history of completed torrents is the caller's concern.
type CompletionRecorder interface {
	Insert(desc *metainfo.Descriptor) error
}

// Torrent coordinates one torrent's tracker announces, peer connections,
// piece selection, and on-disk persistence. Call Run to start it and Stop
// (or cancel its context) to tear it down.
type Torrent struct {
	Descriptor *metainfo.Descriptor
	ClientID   [sha1.Size]byte

	// Completions, when non-nil, is invoked once on download completion.
	// Set it before Run.
	Completions CompletionRecorder

	log *slog.Logger

	tracker  *tracker.Tracker
	picker   *piece.Picker
	disk     *storage.Disk
	peerMgr  *peer.Manager
	chokeMgr *choke.Manager
	bans     banlist.Store

	uploaded   *atomic.Int64
	downloaded *atomic.Int64

	verifyCh chan verifyJob

	cancel       context.CancelFunc
	stopOnce     sync.Once
	completeOnce sync.Once

	sampleMu   sync.Mutex
	lastSample rateSample
}

type rateSample struct {
	at         time.Time
	downloaded int64
	uploaded   int64
}

// Stats reports a point-in-time snapshot of a torrent's progress.
type Stats struct {
	Downloaded   int64
	Uploaded     int64
	DownloadRate int64 // bytes/sec since the previous Stats call
	UploadRate   int64
	Progress     float64 // 0..100
	Peers        int
	PieceStates  []piece.PieceProgress
}

// New parses data as a .torrent file and builds a Torrent ready to Run,
// writing (or resuming) its files under downloadDir.
func New(data []byte, downloadDir string, clientID [sha1.Size]byte, bans banlist.Store) (*Torrent, error) {
	desc, err := metainfo.Parse(data)
	if err != nil {
		return nil, err
	}
	wire.SetMaxMessageSize(desc.PieceLength)

	log := slog.Default().With("src", "torrent", "name", desc.Name)

	files := fileSpecs(desc)
	disk, err := storage.Open(downloadDir, desc.Name, files, desc.PieceLength)
	if err != nil {
		return nil, err
	}

	have, err := disk.RecheckAll(desc.PieceHashes)
	if err != nil {
		_ = disk.Close()
		return nil, err
	}

	cfg := config.Load()
	pk := piece.NewPicker(desc.TotalLength, desc.PieceLength, desc.PieceHashes, cfg.MaxPeers, mr.Int63())
	resumed := 0
	for i, ok := range have {
		if ok {
			pk.ResumeVerifiedPiece(i)
			resumed++
		}
	}
	log.Info("resumed from disk", "verified_pieces", resumed, "total_pieces", len(have))

	trk, err := tracker.New(desc.Announce, desc.AnnounceList, log)
	if err != nil {
		_ = disk.Close()
		return nil, err
	}

	if bans == nil {
		bans = banlist.New()
	}

	t := &Torrent{
		Descriptor: desc,
		ClientID:   clientID,
		log:        log,
		tracker:    trk,
		picker:     pk,
		disk:       disk,
		chokeMgr:   choke.NewManager(),
		bans:       bans,
		uploaded:   new(atomic.Int64),
		downloaded: new(atomic.Int64),
		verifyCh:   make(chan verifyJob, len(desc.PieceHashes)+1),
	}

	deps := peer.Deps{
		Picker:          pk,
		Disk:            disk,
		ChokeMgr:        t.chokeMgr,
		Bans:            bans,
		Uploaded:        t.uploaded,
		Downloaded:      t.downloaded,
		OnPieceComplete: t.onPieceComplete,
	}
	t.peerMgr = peer.NewManager(desc.InfoHash, clientID, len(desc.PieceHashes), deps)

	return t, nil
}

func fileSpecs(desc *metainfo.Descriptor) []storage.FileSpec {
	if len(desc.Files) == 0 {
		return []storage.FileSpec{{PathSegments: []string{desc.Name}, Length: desc.TotalLength}}
	}
	specs := make([]storage.FileSpec, len(desc.Files))
	for i, f := range desc.Files {
		specs[i] = storage.FileSpec{PathSegments: f.PathParts, Length: f.Length}
	}
	return specs
}

// onPieceComplete is the Session callback: it never blocks the caller, a
// full verify queue means the torrent is already shutting down.
func (t *Torrent) onPieceComplete(index int, responders map[netip.AddrPort]struct{}) {
	select {
	case t.verifyCh <- verifyJob{index: index, responders: responders}:
	default:
		t.log.Warn("verify queue full, dropping completion notice", "piece", index)
	}
}

// Run drives the tracker announce loop, peer admission, choking tick, and
// the piece-verification worker pool until ctx is cancelled or an
// unrecoverable error occurs.
func (t *Torrent) Run(ctx context.Context) error {
	t.log.Info("torrent starting", "pieces", len(t.Descriptor.PieceHashes))
	ctx, t.cancel = context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Load().Port))
	if err != nil {
		return fmt.Errorf("listen for incoming peers: %w", err)
	}
	eg.Go(func() error { return t.peerMgr.Listen(ctx, l) })

	eg.Go(func() error { return t.announceLoop(ctx) })
	eg.Go(func() error { return t.peerMgr.Run(ctx) })
	eg.Go(func() error {
		return t.chokeMgr.Run(ctx, t.peerMgr.UploadRates, t.peerMgr.ApplyUnchokeSet)
	})

	workers := runtime.GOMAXPROCS(0)
	for i := 0; i < workers; i++ {
		eg.Go(func() error { return t.verifyWorker(ctx) })
	}

	waitErr := eg.Wait()
	if t.allPiecesVerified() {
		// Completion stops the torrent by cancelling its context; that is
		// a finished download, not a failure.
		waitErr = nil
	}
	t.log.Info("torrent stopped", "error", waitErr)
	return waitErr
}

// allPiecesVerified reports whether every piece has passed its hash check.
func (t *Torrent) allPiecesVerified() bool {
	return t.picker.Bitfield().All(len(t.Descriptor.PieceHashes))
}

// Stop cancels the torrent's context exactly once.
func (t *Torrent) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

func (t *Torrent) verifyWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-t.verifyCh:
			if !ok {
				return nil
			}
			t.handleCompletedPiece(job)
		}
	}
}

func (t *Torrent) handleCompletedPiece(job verifyJob) {
	hash := t.picker.PieceHash(job.index)
	ok, err := t.disk.FlushPiece(job.index, hash)
	if err != nil {
		t.log.Error("flush piece failed", "piece", job.index, "err", err)
		return
	}

	banned := t.picker.MarkPieceVerified(job.index, ok, job.responders)
	for _, addr := range banned {
		_ = t.bans.Insert(addr.Addr())
		t.peerMgr.Disconnect(addr)
		t.log.Warn("banned peer after repeated corruption", "peer", addr, "piece", job.index)
	}

	if !ok {
		t.log.Warn("piece failed hash check, requeued for redownload", "piece", job.index)
		return
	}

	t.peerMgr.BroadcastHave(job.index, netip.AddrPort{})
	t.log.Debug("piece verified", "piece", job.index)

	if t.allPiecesVerified() {
		t.log.Info("torrent complete")
		t.recordCompletion()
		_ = t.disk.Close()
		t.Stop()
	}
}

// recordCompletion invokes the CompletionRecorder at most once, no matter
// how many verify workers observe the final piece.
func (t *Torrent) recordCompletion() {
	t.completeOnce.Do(func() {
		if t.Completions == nil {
			return
		}
		if err := t.Completions.Insert(t.Descriptor); err != nil {
			t.log.Error("record completion failed", "err", err)
		}
	})
}

// Stats reports current progress, peer count, and transfer rates computed
// since the previous Stats call (0 on the first call).
func (t *Torrent) Stats() Stats {
	down := t.downloaded.Load()
	up := t.uploaded.Load()

	t.sampleMu.Lock()
	now := time.Now()
	var downRate, upRate int64
	if !t.lastSample.at.IsZero() {
		if dt := now.Sub(t.lastSample.at).Seconds(); dt > 0 {
			downRate = int64(float64(down-t.lastSample.downloaded) / dt)
			upRate = int64(float64(up-t.lastSample.uploaded) / dt)
		}
	}
	t.lastSample = rateSample{at: now, downloaded: down, uploaded: up}
	t.sampleMu.Unlock()

	progress := 0.0
	if t.Descriptor.TotalLength > 0 {
		progress = float64(down) / float64(t.Descriptor.TotalLength) * 100.0
		if progress > 100.0 {
			progress = 100.0
		}
	}

	return Stats{
		Downloaded:   down,
		Uploaded:     up,
		DownloadRate: downRate,
		UploadRate:   upRate,
		Progress:     progress,
		Peers:        t.peerMgr.Stats().ActivePeers,
		PieceStates:  t.picker.PieceStates(),
	}
}

func (t *Torrent) announceLoop(ctx context.Context) error {
	const maxBackoffShift = 4
	consecutiveFailures := 0

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			params := t.buildAnnounceParams()
			params.Event = tracker.EventStopped
			_, _ = t.tracker.Announce(stopCtx, params)

			return ctx.Err()

		case <-ticker.C:
			resp, err := t.tracker.Announce(ctx, t.buildAnnounceParams())
			if err != nil {
				consecutiveFailures++
				backoff := t.calculateBackoff(consecutiveFailures, maxBackoffShift)
				t.log.Error("announce failed", "error", err, "failures", consecutiveFailures, "retry_in", backoff)
				ticker.Reset(backoff)
				continue
			}

			consecutiveFailures = 0
			t.log.Debug("announce successful", "peers", len(resp.Peers), "interval", resp.Interval, "seeders", resp.Seeders, "leechers", resp.Leechers)
			t.peerMgr.AdmitPeers(resp.Peers)
			ticker.Reset(t.getNextAnnounceInterval(resp))
		}
	}
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	down := t.downloaded.Load()
	up := t.uploaded.Load()

	event := tracker.EventNone
	left := t.Descriptor.TotalLength - down
	if left <= 0 {
		left = 0
		event = tracker.EventCompleted
	}

	return &tracker.AnnounceParams{
		InfoHash:   t.Descriptor.InfoHash,
		PeerID:     t.ClientID,
		Port:       config.Load().Port,
		Uploaded:   uint64(up),
		Downloaded: uint64(down),
		Left:       uint64(left),
		Event:      event,
		NumWant:    config.Load().NumWant,
	}
}

func (t *Torrent) getNextAnnounceInterval(resp *tracker.AnnounceResponse) time.Duration {
	interval := config.Load().AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
		if resp.Interval > 0 {
			interval = resp.Interval
		}
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if min := config.Load().MinAnnounceInterval; min > 0 && interval < min {
		interval = min
	}
	return interval
}

func (t *Torrent) calculateBackoff(failures, maxShift int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}
	delay := baseDelay * (1 << uint(shift))
	if max := config.Load().MaxAnnounceBackoff; delay > max {
		delay = max
	}

	jitter := time.Duration(mr.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}
