// Package config holds the tunables shared across leech's components: piece
// selection policy, per-peer request limits, timeouts, and choking behavior.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceStrategy enumerates the high-level piece selection policies the
// picker can apply.
type PieceStrategy uint8

const (
	// StrategyRarestFirst prioritizes pieces with the lowest availability,
	// improving swarm health. The default strategy.
	StrategyRarestFirst PieceStrategy = iota

	// StrategyRandomFirst samples uniformly among eligible pieces. It is
	// used only when PieceStrategy is set to it; the picker never switches
	// between strategies on its own.
	StrategyRandomFirst

	// StrategySequential downloads pieces in ascending index order.
	// Favors streaming/locality over swarm health.
	StrategySequential
)

// Config defines resource limits and policy for a torrent session. Values
// are read concurrently via Load and mutated only through Update/Swap.
type Config struct {
	// DefaultDownloadDir is where new torrents' files are written. Changing
	// it does not move torrents already in progress.
	DefaultDownloadDir string

	// Port is the TCP port this client listens on for incoming peers.
	Port uint16

	// NumWant is the number of peers requested per tracker announce.
	NumWant uint32

	// MaxUploadRate and MaxDownloadRate cap transfer speed in bytes/second.
	// 0 means unlimited.
	MaxUploadRate   int64
	MaxDownloadRate int64

	// AnnounceInterval overrides the tracker's suggested interval. 0 uses
	// the tracker's value.
	AnnounceInterval time.Duration

	// MinAnnounceInterval is the floor enforced between announces
	// regardless of what the tracker asks for.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff after a failed announce.
	MaxAnnounceBackoff time.Duration

	EnableIPv6 bool
	HasIPv6    bool

	// ClientIDPrefix seeds the 8-byte Azureus-style prefix of generated
	// peer ids (e.g. "-LE0001-").
	ClientIDPrefix string

	PieceStrategy PieceStrategy

	// MaxInflightRequestsPerPeer limits outstanding block requests to any
	// one connection.
	MaxInflightRequestsPerPeer int

	// RequestTimeout is the baseline duration after which an in-flight
	// block is eligible for reassignment.
	RequestTimeout time.Duration

	// EndgameThreshold is the number of outstanding blocks (across the
	// whole torrent) at or below which endgame mode activates: the picker
	// starts handing out duplicate requests for the remaining blocks.
	EndgameThreshold int

	// EndgameDupPerBlock caps how many peers may be concurrently assigned
	// the same block once endgame mode is active.
	EndgameDupPerBlock int

	MaxPeers int

	// PeerHeartbeatInterval is how often a keep-alive is sent and how
	// often liveness is checked.
	PeerHeartbeatInterval time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// PeerOutboundQueueBacklog bounds a peer session's outbound message
	// channel before the session considers the peer unresponsive.
	PeerOutboundQueueBacklog int

	// MaxUnchokedPeers is how many peers the choking manager keeps
	// unchoked at once, including the optimistic slot: MaxUnchokedPeers-1
	// tit-for-tat slots plus one optimistic slot.
	MaxUnchokedPeers int

	// OptimisticUnchokeInterval is how often the choking manager rotates
	// its optimistic-unchoke slot.
	OptimisticUnchokeInterval time.Duration

	// ChokeTickInterval is how often the choking manager re-evaluates
	// upload rates and recomputes its unchoke set.
	ChokeTickInterval time.Duration
}

// Default returns sensible defaults for most use cases.
func Default() Config {
	return Config{
		DefaultDownloadDir:         defaultDownloadDir(),
		Port:                       6881,
		NumWant:                    50,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		AnnounceInterval:           0,
		MinAnnounceInterval:        2 * time.Minute,
		MaxAnnounceBackoff:         5 * time.Minute,
		EnableIPv6:                 true,
		HasIPv6:                    hasIPv6(),
		ClientIDPrefix:             "-LE0001-",
		PieceStrategy:              StrategyRarestFirst,
		MaxInflightRequestsPerPeer: 8,
		RequestTimeout:             30 * time.Second,
		EndgameThreshold:           1,
		EndgameDupPerBlock:         2,
		MaxPeers:                   50,
		PeerHeartbeatInterval:      2 * time.Minute,
		ReadTimeout:                2 * time.Minute,
		WriteTimeout:               45 * time.Second,
		DialTimeout:                3 * time.Second,
		PeerOutboundQueueBacklog:   64,
		MaxUnchokedPeers:           4,
		OptimisticUnchokeInterval:  30 * time.Second,
		ChokeTickInterval:          10 * time.Second,
	}
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, cerr := os.Getwd(); cerr == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}
