//go:build linux

// Package linux implements the kernel collaborators of the router and the
// session manager over Bluetooth sockets.
package linux

import (
	"context"
	"fmt"
	"os"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"golang.org/x/sys/unix"

	"github.com/darkhz/bluestream/api/bluetooth"
)

// newSocket opens a non-blocking Bluetooth socket. Reads and writes on the
// returned file go through the runtime poller, so closing it unblocks them.
func newSocket(typ, proto int, name string) (*os.File, int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, -1, socketError(err, "socket-create", name, "Cannot create the Bluetooth socket")
	}

	return os.NewFile(uintptr(fd), name), fd, nil
}

func socketError(err error, at, name, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at, "socket", name),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

// l2capAddr returns the socket address of a BR/EDR device. The socket
// library expects the address in display order, most significant octet first.
func l2capAddr(addr bluetooth.MacAddress, psm uint16) *unix.SockaddrL2 {
	sa := &unix.SockaddrL2{PSM: psm}
	for i := range addr {
		sa.Addr[i] = addr[len(addr)-1-i]
	}

	return sa
}

// addrFromL2cap converts a decoded socket address. Decoded addresses are
// handed back in wire order, unlike the ones passed in.
func addrFromL2cap(sa unix.Sockaddr) (bluetooth.MacAddress, error) {
	l2, ok := sa.(*unix.SockaddrL2)
	if !ok {
		return bluetooth.MacAddress{}, fmt.Errorf("unexpected socket address %T", sa)
	}

	return bluetooth.MacAddress(l2.Addr), nil
}
