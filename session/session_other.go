//go:build !linux

package session

import "github.com/darkhz/bluestream/api/errorkinds"

// NewLinux is only available on Linux.
func NewLinux(Options) (*Session, error) {
	return nil, errorkinds.ErrNotSupported
}
