package torrent

import (
	"crypto/rand"
	"crypto/sha1"

	"github.com/prxssh/leech/config"
)

// azureusPrefixes maps the two-letter client code of an Azureus-style
// "-XX####-" peer id prefix to a human-readable client name, for display
// purposes only.
var azureusPrefixes = map[string]string{
	"LE": "leech",
	"UT": "uTorrent",
	"TR": "Transmission",
	"DE": "Deluge",
	"LT": "libtorrent",
	"qB": "qBittorrent",
	"AZ": "Azureus/Vuze",
	"BT": "BitTorrent",
	"RB": "Rabbit",
}

// ClientIdentity returns a human-readable client name for peerID, parsed as
// an Azureus-style "-XX####-" prefix if recognized, or "unknown" otherwise.
func ClientIdentity(peerID [sha1.Size]byte) string {
	if peerID[0] != '-' || peerID[7] != '-' {
		return "unknown"
	}
	code := string(peerID[1:3])
	if name, ok := azureusPrefixes[code]; ok {
		return name
	}
	return "unknown"
}

// generateClientID builds a fresh 20-byte peer id: prefix, then random
// bytes filling the remainder.
func generateClientID(prefix string) ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return id, nil
}

// NewClientID generates this process's 20-byte peer id, using the
// configured ClientIDPrefix.
func NewClientID() ([sha1.Size]byte, error) {
	return generateClientID(config.Load().ClientIDPrefix)
}
