package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/prxssh/leech/config"
)

func init() {
	config.Init()
}

// fakeUDPServer answers exactly one connect and one announce request,
// emulating a well-behaved BEP 15 tracker.
func fakeUDPServer(t *testing.T, conn *net.UDPConn) {
	t.Helper()

	go func() {
		buf := make([]byte, 2048)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])

		var connResp [16]byte
		binary.BigEndian.PutUint32(connResp[0:4], actionConnect)
		binary.BigEndian.PutUint32(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xCAFEF00DCAFEF00D)
		conn.WriteToUDP(connResp[:], addr)

		n, addr, err = conn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		txID = binary.BigEndian.Uint32(buf[12:16])

		resp := make([]byte, 26)
		binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
		binary.BigEndian.PutUint32(resp[4:8], txID)
		binary.BigEndian.PutUint32(resp[8:12], 1800)
		binary.BigEndian.PutUint32(resp[12:16], 3)
		binary.BigEndian.PutUint32(resp[16:20], 7)
		copy(resp[20:24], []byte{127, 0, 0, 1})
		binary.BigEndian.PutUint16(resp[24:26], 6881)
		conn.WriteToUDP(resp, addr)
	}()
}

func TestUDPTrackerAnnounceOK(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()

	fakeUDPServer(t, listener)

	u, err := url.Parse("udp://" + listener.LocalAddr().String())
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	tr, err := NewUDPTracker(u, nil)
	if err != nil {
		t.Fatalf("NewUDPTracker: %v", err)
	}
	defer tr.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Announce(ctx, &AnnounceParams{Port: 6881})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Seeders != 7 || resp.Leechers != 3 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port() != 6881 {
		t.Errorf("peers = %v", resp.Peers)
	}
}

func TestBackoffWindowRespectsDeadline(t *testing.T) {
	deadline := time.Now().Add(5 * time.Second)

	if w := backoffWindow(deadline, true, 0); w > 5*time.Second {
		t.Errorf("backoffWindow = %v, want <= 5s", w)
	}
	if w := backoffWindow(time.Time{}, false, 0); w != baseBackoff {
		t.Errorf("backoffWindow(no deadline) = %v, want %v", w, baseBackoff)
	}
	if w := backoffWindow(time.Now().Add(-time.Second), true, 0); w != 0 {
		t.Errorf("backoffWindow(past deadline) = %v, want 0", w)
	}
}
