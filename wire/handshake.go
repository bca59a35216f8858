package wire

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"time"
)

const (
	protocolString = "BitTorrent protocol"
	reservedBytes  = 8
)

// ErrInfoHashMismatch is returned by Handshake.Perform when the remote peer
// answers with a different info hash than the one we dialed with.
var ErrInfoHashMismatch = errors.New("wire: handshake info hash mismatch")

// Handshake is the fixed 68-byte BEP 3 preamble exchanged before any wire
// messages: \x13 + "BitTorrent protocol" + 8 reserved bytes + info hash +
// peer id.
type Handshake struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the handshake to its wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(protocolString)+reservedBytes+2*sha1.Size)

	buf[0] = byte(len(protocolString))
	offset := 1
	offset += copy(buf[offset:], protocolString)
	offset += reservedBytes // left zeroed
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])

	return buf
}

// Perform writes our handshake, reads the remote's, and verifies the info
// hash matches before returning. Callers own connection deadlines; Perform
// applies none itself so PerformContext can layer a deadline derived from
// ctx.
func (h *Handshake) Perform(rw io.ReadWriter) (*Handshake, error) {
	if _, err := rw.Write(h.Serialize()); err != nil {
		return nil, err
	}

	remote, err := ReadHandshake(rw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(h.InfoHash[:], remote.InfoHash[:]) {
		return nil, ErrInfoHashMismatch
	}

	return remote, nil
}

// PerformContext runs Perform against a net.Conn honoring the 10s handshake
// deadline specified in spec: TCP open <=3s (the dialer's job), handshake
// <=10s.
func PerformContext(ctx context.Context, conn net.Conn, h *Handshake) (*Handshake, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	return h.Perform(conn)
}

// ReadHandshake parses a single handshake preamble from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var pstrlenBuf [1]byte
	if _, err := io.ReadFull(r, pstrlenBuf[:]); err != nil {
		return nil, err
	}

	pstrlen := int(pstrlenBuf[0])
	if pstrlen == 0 {
		return nil, errors.New("wire: handshake pstrlen must be non-zero")
	}

	rest := make([]byte, pstrlen+reservedBytes+2*sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], rest[pstrlen+reservedBytes:pstrlen+reservedBytes+sha1.Size])
	copy(peerID[:], rest[pstrlen+reservedBytes+sha1.Size:])

	return &Handshake{InfoHash: infoHash, PeerID: peerID}, nil
}
