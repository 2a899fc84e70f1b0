//go:build unix

package discovery

import (
	"net"

	"golang.org/x/sys/unix"
)

// newBroadcastSocket opens a UDP socket with SO_BROADCAST set, required to
// send datagrams to a broadcast address.
func newBroadcastSocket() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	if err := setSockOptInt(conn, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func setReuseAddr(conn *net.UDPConn) {
	_ = setSockOptInt(conn, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setSockOptInt(conn *net.UDPConn, level, opt, value int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if ctlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), level, opt, value)
	}); ctlErr != nil {
		return ctlErr
	}
	return sockErr
}
