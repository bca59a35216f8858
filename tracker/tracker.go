// Package tracker implements multi-tier HTTP and UDP tracker announces
// (BEP 3 and BEP 15), with failover across announce-list tiers and
// promotion of whichever tracker answered most recently.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AnnounceParams contains all information needed for a tracker announce.
type AnnounceParams struct {
	// InfoHash uniquely identifies the torrent (SHA-1 of info dict).
	InfoHash [sha1.Size]byte

	// PeerID uniquely identifies this client instance.
	PeerID [sha1.Size]byte

	// Uploaded counts total bytes uploaded to peers (cumulative).
	Uploaded uint64

	// Downloaded counts total bytes downloaded from peers (cumulative).
	Downloaded uint64

	// Left indicates remaining bytes to download (0 when complete).
	Left uint64

	// Event signals lifecycle transitions (started, stopped, completed).
	Event Event

	// Key is an optional randomized value for NAT traversal.
	Key uint32

	// TrackerID is an opaque token from a previous response (HTTP only).
	TrackerID string

	// NumWant requests a specific peer count. 0 uses the tracker default.
	NumWant uint32

	// Port is the TCP port this client listens on for incoming connections.
	Port uint16
}

// AnnounceResponse contains a peer list and swarm statistics from a tracker.
type AnnounceResponse struct {
	// TrackerID is an opaque token to include in the next announce (HTTP
	// only).
	TrackerID string

	// Interval specifies when to send the next regular announce.
	Interval time.Duration

	// MinInterval is the minimum allowed time between announces.
	MinInterval time.Duration

	// Leechers counts incomplete downloaders in the swarm.
	Leechers int64

	// Seeders counts complete uploaders in the swarm.
	Seeders int64

	// Peers contains connectable peer addresses (IPv4 and/or IPv6).
	Peers []netip.AddrPort
}

// Event represents lifecycle states communicated to the tracker.
type Event uint32

const (
	// EventNone is used for regular periodic announces.
	EventNone Event = iota

	// EventStarted signals the first announce after starting a download.
	EventStarted

	// EventStopped signals graceful shutdown, the last chance to update
	// stats before the client disappears.
	EventStopped

	// EventCompleted signals download completion, the transition from
	// leeching to seeding.
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

const (
	strideV4 = 6
	strideV6 = 18
)

// Protocol abstracts HTTP and UDP announce transports behind one interface.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats exposes runtime metrics about tracker traffic.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Tracker manages multi-tier tracker communication with failover between
// tiers and promotion of whichever tracker within a tier last succeeded.
//
// All methods are safe for concurrent use.
type Tracker struct {
	// tiers organizes announce URLs in preference order. Trackers within a
	// tier are tried in sequence; a tier is abandoned once all its
	// trackers fail and the next tier is tried.
	tiers [][]*url.URL

	mu       sync.Mutex
	trackers map[string]Protocol
	log      *slog.Logger
	stats    Stats
}

// New constructs a tracker client from the torrent's announce URL(s).
// announce is the primary URL; announceList is the optional tier list from
// the announce-list extension.
func New(announce string, announceList [][]string, log *slog.Logger) (*Tracker, error) {
	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker", "tiers", len(tiers))

	return &Tracker{
		log:      log,
		tiers:    tiers,
		trackers: make(map[string]Protocol),
	}, nil
}

// Announce performs a single synchronous announce across all tiers with
// failover, trying each tier in order until one tracker succeeds or every
// tier is exhausted.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			proto, err := t.getProtocol(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := proto.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)

			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce.success",
				"tier", tierIdx,
				"url", u.String(),
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)

			return resp, nil
		}

		t.log.Warn("announce.tier.exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

// Stats returns the tracker's running statistics.
func (t *Tracker) Stats() *Stats {
	return &t.stats
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u

	t.log.Debug("announce.promote", "tier", tierIdx, "from", urlIdx, "url", u.String())
}

func (t *Tracker) getProtocol(u *url.URL) (Protocol, error) {
	key := u.String()

	t.mu.Lock()
	p, ok := t.trackers[key]
	t.mu.Unlock()
	if ok {
		return p, nil
	}

	ul := t.log.With("scheme", u.Scheme, "host", u.Host, "path", u.EscapedPath())

	var (
		proto Protocol
		err   error
	)

	switch u.Scheme {
	case "http", "https":
		proto, err = NewHTTPTracker(u, ul.With("component", "tracker.http"))
	case "udp":
		proto, err = NewUDPTracker(u, ul.With("component", "tracker.udp"))
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = proto
	t.mu.Unlock()

	t.log.Debug("tracker.cached")
	return proto, nil
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList))

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, str := range tier {
			if u, ok := parseTrackerURL(str); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	// BEP 12: announce is used only when announce-list yields no tier.
	if s := strings.TrimSpace(announce); s != "" && len(tiers) == 0 {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}
