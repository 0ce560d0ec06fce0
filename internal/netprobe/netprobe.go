// Package netprobe implements the best-effort UDP reachability check run
// before a server is promoted to running.
package netprobe

import (
	"net"
	"time"
)

// probe datagram understood by the game server's query port.
var probeData = []byte{
	0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x08,
}

// Check sends a single probe datagram to addr ("host:port") and reports
// whether any response arrived within timeout. Errors are folded into false:
// the probe is advisory only.
func Check(addr string, timeout time.Duration) bool {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return false
	}
	if _, err := conn.WriteToUDP(probeData, dst); err != nil {
		return false
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false
	}
	buf := make([]byte, 512)
	_, _, err = conn.ReadFromUDP(buf)
	return err == nil
}
