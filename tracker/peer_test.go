package tracker

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func TestDecodeCompactPeersV4(t *testing.T) {
	b := make([]byte, strideV4*2)
	copy(b[0:4], []byte{127, 0, 0, 1})
	binary.BigEndian.PutUint16(b[4:6], 6881)
	copy(b[6:10], []byte{10, 0, 0, 5})
	binary.BigEndian.PutUint16(b[10:12], 51413)

	peers, err := decodeCompactPeersV4(b)
	if err != nil {
		t.Fatalf("decodeCompactPeersV4: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0] != netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 6881) {
		t.Errorf("peers[0] = %v", peers[0])
	}
	if peers[1].Port() != 51413 {
		t.Errorf("peers[1].Port() = %d", peers[1].Port())
	}
}

func TestDecodeCompactPeersV4InvalidLength(t *testing.T) {
	if _, err := decodeCompactPeersV4(make([]byte, 7)); err == nil {
		t.Fatalf("expected error for non-multiple-of-6 length")
	}
}

func TestDecodeCompactPeersV6(t *testing.T) {
	b := make([]byte, strideV6)
	addr := netip.MustParseAddr("::1").As16()
	copy(b[0:16], addr[:])
	binary.BigEndian.PutUint16(b[16:18], 6881)

	peers, err := decodeCompactPeersV6(b)
	if err != nil {
		t.Fatalf("decodeCompactPeersV6: %v", err)
	}
	if len(peers) != 1 || peers[0].Port() != 6881 {
		t.Fatalf("peers = %v", peers)
	}
}

func TestDecodeDictPeers(t *testing.T) {
	list := []any{
		map[string]any{"ip": "192.168.1.1", "port": int64(6881)},
		map[string]any{"ip": []byte{10, 0, 0, 1}, "port": int64(51413)},
	}

	peers, err := decodeDictPeers(list)
	if err != nil {
		t.Fatalf("decodeDictPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0].Addr().String() != "192.168.1.1" {
		t.Errorf("peers[0] = %v", peers[0])
	}
}

func TestDecodeDictPeersInvalidPort(t *testing.T) {
	list := []any{map[string]any{"ip": "10.0.0.1", "port": int64(0)}}
	if _, err := decodeDictPeers(list); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestDecodePeersDispatchesByType(t *testing.T) {
	compact := make([]byte, strideV4)
	copy(compact[0:4], []byte{1, 2, 3, 4})
	binary.BigEndian.PutUint16(compact[4:6], 1000)

	peers, err := decodePeers(string(compact), false)
	if err != nil {
		t.Fatalf("decodePeers(string): %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d", len(peers))
	}

	if _, err := decodePeers(42, false); err == nil {
		t.Fatalf("expected error for unsupported peers type")
	}
}
