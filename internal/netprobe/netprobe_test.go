package netprobe

import (
	"net"
	"testing"
	"time"
)

func TestCheckRespondingEndpoint(t *testing.T) {
	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = srv.Close() }()

	go func() {
		buf := make([]byte, 512)
		n, from, err := srv.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		_, _ = srv.WriteToUDP(buf[:n], from)
	}()

	if !Check(srv.LocalAddr().String(), time.Second) {
		t.Fatalf("expected probe to succeed against echoing endpoint")
	}
}

func TestCheckSilentEndpoint(t *testing.T) {
	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if Check(srv.LocalAddr().String(), 100*time.Millisecond) {
		t.Fatalf("expected probe to time out against silent endpoint")
	}
}

func TestCheckBadAddress(t *testing.T) {
	if Check("not an address", 50*time.Millisecond) {
		t.Fatalf("expected probe to fail for unparseable address")
	}
}
