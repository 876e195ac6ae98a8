package engine

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// TuneTCPConn sets TCP_NODELAY directly via the raw file descriptor. The
// standard library exposes net.TCPConn.SetNoDelay for this same knob; this
// goes through unix.SetsockoptInt instead so any further low-level socket
// tuning this engine grows later (keepalive intervals, buffer sizes) has a
// single syscall.RawConn entry point to share.
func TuneTCPConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ReusableListenConfig returns a net.ListenConfig whose Control callback
// sets SO_REUSEADDR before bind, so a restarted server can immediately
// rebind a port still draining TIME_WAIT connections.
func ReusableListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
