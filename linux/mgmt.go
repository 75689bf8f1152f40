//go:build linux

package linux

import (
	"bytes"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/darkhz/bluestream/mgmt"
)

// hciChannelControl is the management channel of the HCI socket family.
const hciChannelControl = 3

// MgmtSocket is the kernel management channel.
type MgmtSocket struct {
	f   *os.File
	buf []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenMgmt opens and binds the management channel. It needs CAP_NET_ADMIN.
func OpenMgmt() (*MgmtSocket, error) {
	f, fd, err := newSocket(unix.SOCK_RAW, unix.BTPROTO_HCI, "mgmt")
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrHCI{Dev: mgmt.IndexNone, Channel: hciChannelControl}
	if err := unix.Bind(fd, sa); err != nil {
		f.Close()
		return nil, socketError(err, "mgmt-bind", "mgmt", "Cannot bind the management channel")
	}

	return &MgmtSocket{
		f:   f,
		buf: make([]byte, mgmt.HeaderSize+0xffff),
	}, nil
}

// ReadFrame reads one frame. It must not be called concurrently with itself.
func (m *MgmtSocket) ReadFrame() (mgmt.Frame, error) {
	n, err := m.f.Read(m.buf)
	if err != nil {
		return mgmt.Frame{}, socketError(err, "mgmt-read", "mgmt", "Cannot read from the management channel")
	}

	f, err := mgmt.ParseFrame(m.buf[:n])
	if err != nil {
		return mgmt.Frame{}, err
	}

	f.Payload = bytes.Clone(f.Payload)

	return f, nil
}

// WriteFrame writes one frame.
func (m *MgmtSocket) WriteFrame(f mgmt.Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	if _, err := m.f.Write(b); err != nil {
		return socketError(err, "mgmt-write", "mgmt", "Cannot write to the management channel")
	}

	return nil
}

// Close closes the channel, unblocking a pending read.
func (m *MgmtSocket) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.f.Close()
	})

	return m.closeErr
}
