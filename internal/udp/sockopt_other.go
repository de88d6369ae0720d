//go:build !unix && !windows

package udp

import (
	"errors"
	"syscall"
)

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return errors.New("SO_REUSEADDR is not supported on this platform")
}
