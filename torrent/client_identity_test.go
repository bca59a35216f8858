package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/prxssh/leech/config"
)

func TestClientIdentityRecognizesKnownPrefix(t *testing.T) {
	var id [sha1.Size]byte
	copy(id[:], "-LE0001-abcdefghijklm")

	if got := ClientIdentity(id); got != "leech" {
		t.Fatalf("expected %q, got %q", "leech", got)
	}
}

func TestClientIdentityUnknownPrefix(t *testing.T) {
	var id [sha1.Size]byte
	copy(id[:], "-ZZ0001-abcdefghijklm")

	if got := ClientIdentity(id); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestClientIdentityMalformed(t *testing.T) {
	var id [sha1.Size]byte
	copy(id[:], "not-azureus-formatted")

	if got := ClientIdentity(id); got != "unknown" {
		t.Fatalf("expected unknown for non-Azureus id, got %q", got)
	}
}

func TestGenerateClientIDUsesPrefixAndFillsRemainder(t *testing.T) {
	config.Init()
	id, err := generateClientID("-LE0001-")
	if err != nil {
		t.Fatalf("generateClientID: %v", err)
	}
	if string(id[:8]) != "-LE0001-" {
		t.Fatalf("expected prefix preserved, got %q", string(id[:8]))
	}

	id2, err := generateClientID("-LE0001-")
	if err != nil {
		t.Fatalf("generateClientID: %v", err)
	}
	if id == id2 {
		t.Fatalf("expected two generated ids to differ in their random suffix")
	}
}
