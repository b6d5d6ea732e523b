package worker

import (
	"context"
	"net"
	"syscall"
	"time"
)

// Dial connects to addr with address reuse enabled on the socket
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setReuseAddr(fd)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// HardwareAddr returns the MAC of the first non-loopback interface
func HardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return "00:00:00:00:00:00"
}
