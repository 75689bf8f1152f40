//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/avdtp"
)

// PSMAVDTP is the L2CAP protocol service multiplexer of AVDTP.
const PSMAVDTP = 0x0019

// L2CAPConn is a connected L2CAP sequential packet channel.
type L2CAPConn struct {
	f             *os.File
	local, remote bluetooth.MacAddress

	closeOnce sync.Once
	closeErr  error
}

func (c *L2CAPConn) Read(b []byte) (int, error) {
	return c.f.Read(b)
}

func (c *L2CAPConn) Write(b []byte) (int, error) {
	return c.f.Write(b)
}

// Close shuts the channel down, unblocking pending reads and writes.
func (c *L2CAPConn) Close() error {
	c.closeOnce.Do(func() {
		if raw, err := c.f.SyscallConn(); err == nil {
			_ = raw.Control(func(fd uintptr) {
				_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
			})
		}

		c.closeErr = c.f.Close()
	})

	return c.closeErr
}

// Local returns the address of the local controller.
func (c *L2CAPConn) Local() bluetooth.MacAddress {
	return c.local
}

// Remote returns the address of the remote device.
func (c *L2CAPConn) Remote() bluetooth.MacAddress {
	return c.remote
}

// L2CAPTransport opens outgoing L2CAP channels on one PSM.
type L2CAPTransport struct {
	PSM uint16
}

// Connect opens a channel from the local controller to remote. It blocks
// until the channel is connected or ctx is done.
func (t L2CAPTransport) Connect(ctx context.Context, local, remote bluetooth.MacAddress) (avdtp.Conn, error) {
	psm := t.PSM
	if psm == 0 {
		psm = PSMAVDTP
	}

	f, fd, err := newSocket(unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP, "l2cap")
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, l2capAddr(local, 0)); err != nil {
		f.Close()
		return nil, socketError(err, "l2cap-bind", "l2cap", "Cannot bind to the local controller")
	}

	if err := connect(ctx, f, fd, l2capAddr(remote, psm)); err != nil {
		f.Close()
		return nil, socketError(fmt.Errorf("%w: %w", errorkinds.ErrConnectionFailed, err),
			"l2cap-connect", "l2cap", "Cannot connect to the device",
		)
	}

	return &L2CAPConn{f: f, local: local, remote: remote}, nil
}

// connect completes a non-blocking connect through the poller.
func connect(ctx context.Context, f *os.File, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}

	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = f.SetWriteDeadline(time.Now())
	})
	defer stop()

	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}

	// The first call only arms the wait for writability.
	var soErr int
	waited := false

	werr := raw.Write(func(fd uintptr) bool {
		if !waited {
			waited = true
			return false
		}

		soErr, err = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && (unix.Errno(soErr) == unix.EINPROGRESS || unix.Errno(soErr) == unix.EALREADY) {
			return false
		}

		return true
	})

	switch {
	case ctx.Err() != nil:
		return ctx.Err()

	case werr != nil:
		return werr

	case err != nil:
		return err

	case soErr != 0:
		return unix.Errno(soErr)
	}

	return f.SetWriteDeadline(time.Time{})
}

// L2CAPListener accepts incoming L2CAP channels on one PSM from every controller.
type L2CAPListener struct {
	f *os.File

	closeOnce sync.Once
	closeErr  error
}

// ListenL2CAP listens for channels on psm.
func ListenL2CAP(psm uint16) (*L2CAPListener, error) {
	f, fd, err := newSocket(unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP, "l2cap-listen")
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, l2capAddr(bluetooth.MacAddress{}, psm)); err != nil {
		f.Close()
		return nil, socketError(err, "l2cap-bind", "l2cap-listen", "Cannot bind the listening channel")
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		f.Close()
		return nil, socketError(err, "l2cap-listen", "l2cap-listen", "Cannot listen for incoming channels")
	}

	return &L2CAPListener{f: f}, nil
}

// Accept waits for the next incoming channel.
func (l *L2CAPListener) Accept() (local, remote bluetooth.MacAddress, conn avdtp.Conn, err error) {
	c, err := l.accept()
	if err != nil {
		return local, remote, nil, err
	}

	return c.local, c.remote, c, nil
}

func (l *L2CAPListener) accept() (*L2CAPConn, error) {
	raw, err := l.f.SyscallConn()
	if err != nil {
		return nil, err
	}

	var nfd int
	var sa unix.Sockaddr

	rerr := raw.Read(func(fd uintptr) bool {
		nfd, sa, err = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(err, unix.EAGAIN)
	})
	if rerr != nil {
		return nil, socketError(rerr, "l2cap-accept", "l2cap-listen", "Cannot accept an incoming channel")
	}
	if err != nil {
		return nil, socketError(err, "l2cap-accept", "l2cap-listen", "Cannot accept an incoming channel")
	}

	f := os.NewFile(uintptr(nfd), "l2cap")

	remote, err := addrFromL2cap(sa)
	if err != nil {
		f.Close()
		return nil, err
	}

	lsa, err := unix.Getsockname(nfd)
	if err != nil {
		f.Close()
		return nil, socketError(err, "l2cap-getsockname", "l2cap", "Cannot read the local channel address")
	}

	local, err := addrFromL2cap(lsa)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &L2CAPConn{f: f, local: local, remote: remote}, nil
}

// Close stops listening, unblocking a pending Accept.
func (l *L2CAPListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.f.Close()
	})

	return l.closeErr
}
