package avdtp

import (
	"context"
	"io"

	"github.com/darkhz/bluestream/api/bluetooth"
)

// Conn is a connected, packet oriented channel. Every Read returns one
// whole packet, and every Write sends one. A Write may block until the
// channel is writable.
type Conn interface {
	io.ReadWriteCloser
}

// Transport opens channels to remote devices. Connect is called off the
// event loop and may block until the channel is established or ctx is done.
type Transport interface {
	Connect(ctx context.Context, local, remote bluetooth.MacAddress) (Conn, error)
}
