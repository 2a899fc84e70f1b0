//go:build !unix

package discovery

import "net"

// newBroadcastSocket on non-unix platforms opens a plain UDP socket; the
// broadcast flag requires a syscall not available here.
func newBroadcastSocket() (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
}

func setReuseAddr(conn *net.UDPConn) {}
