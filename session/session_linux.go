//go:build linux

package session

import (
	"github.com/darkhz/bluestream/linux"
)

// NewLinux returns a session over the kernel management channel, with AVDTP
// channels on L2CAP. Any collaborator already set in opts is kept.
func NewLinux(opts Options) (*Session, error) {
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if opts.Channel == nil {
		ch, err := linux.OpenMgmt()
		if err != nil {
			return nil, err
		}

		opts.Channel = ch
		closers = append(closers, ch.Close)
	}

	if opts.Transport == nil {
		opts.Transport = linux.L2CAPTransport{PSM: linux.PSMAVDTP}
	}

	if opts.Listener == nil {
		ln, err := linux.ListenL2CAP(linux.PSMAVDTP)
		if err != nil {
			closeAll()
			return nil, err
		}

		opts.Listener = ln
		closers = append(closers, ln.Close)
	}

	s, err := New(opts)
	if err != nil {
		closeAll()
		return nil, err
	}

	return s, nil
}
