//go:build windows

package port

import (
	"errors"
	"strings"
	"syscall"
)

// reuseAddrControl is a no-op here. On Windows SO_REUSEADDR lets a socket
// bind over an active listener, which would report busy ports as free.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

// wsaeaddrinuse is the Winsock "address already in use" error code.
const wsaeaddrinuse = syscall.Errno(10048)

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, wsaeaddrinuse) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
