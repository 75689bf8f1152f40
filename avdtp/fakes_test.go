package avdtp

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/eventbus"
	"github.com/darkhz/bluestream/internal/loop"
)

const waitTimeout = 2 * time.Second

var (
	addrA = bluetooth.MustParseMAC("00:1A:7D:DA:71:13")
	addrB = bluetooth.MustParseMAC("AC:12:2F:6E:00:01")
)

func testConfig() config.Configuration {
	cfg := config.New()
	cfg.RequestTimeout = 150 * time.Millisecond
	cfg.AbortTimeout = 100 * time.Millisecond
	cfg.DisconnectDelay = 50 * time.Millisecond

	return cfg
}

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()

	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		cancel()
		l.Close()
		<-stopped
	})

	return l
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, l.Call(ctx, fn))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v

	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a result")
	}

	var zero T

	return zero
}

func newTestManager(t *testing.T, l *loop.Loop, tr Transport, cfg config.Configuration) *Manager {
	t.Helper()

	m := NewManager(Options{
		Loop:      l,
		Transport: tr,
		Config:    cfg,
		Log:       testr.New(t),
		Bus:       eventbus.New(),
	})

	t.Cleanup(func() { l.Post(m.Close) })

	return m
}

func sinkConfig() SEPConfig {
	return SEPConfig{
		Type:           SEPSink,
		MediaType:      MediaAudio,
		CodecType:      0x00,
		DelayReporting: true,
		Capabilities: Capabilities{
			MediaCodec(MediaAudio, 0x00, sbcInfo),
			{Category: CategoryContentProtection, Data: []byte{0x02, 0x00}},
		},
	}
}

func sourceConfig() SEPConfig {
	return SEPConfig{
		Type:      SEPSource,
		MediaType: MediaAudio,
		CodecType: 0x00,
		Capabilities: Capabilities{
			MediaCodec(MediaAudio, 0x00, sbcInfo),
			{Category: CategoryContentProtection, Data: []byte{0x02, 0x00}},
		},
	}
}

// pipe is an in-memory packet channel between two ends.
type pipe struct {
	done chan struct{}
	once sync.Once
}

type pipeConn struct {
	p       *pipe
	in, out chan []byte
}

func newPipe() (*pipeConn, *pipeConn) {
	p := &pipe{done: make(chan struct{})}
	ab, ba := make(chan []byte, 64), make(chan []byte, 64)

	return &pipeConn{p, ba, ab}, &pipeConn{p, ab, ba}
}

func (c *pipeConn) Read(b []byte) (int, error) {
	select {
	case pkt := <-c.in:
		return copy(b, pkt), nil

	case <-c.p.done:
		return 0, io.EOF
	}
}

func (c *pipeConn) Write(b []byte) (int, error) {
	select {
	case c.out <- bytes.Clone(b):
		return len(b), nil

	case <-c.p.done:
		return 0, io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.p.once.Do(func() { close(c.p.done) })

	return nil
}

// network connects managers that share one loop by their adapter address.
type network struct {
	mu       sync.Mutex
	managers map[bluetooth.MacAddress]*Manager
	connects atomic.Int32
}

func newNetwork() *network {
	return &network{managers: make(map[bluetooth.MacAddress]*Manager)}
}

func (n *network) add(addr bluetooth.MacAddress, m *Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.managers[addr] = m
}

func (n *network) Connect(ctx context.Context, local, remote bluetooth.MacAddress) (Conn, error) {
	n.connects.Inc()

	n.mu.Lock()
	peer := n.managers[remote]
	n.mu.Unlock()

	if peer == nil {
		return nil, io.ErrUnexpectedEOF
	}

	a, b := newPipe()
	peer.loop.Post(func() { peer.HandleIncoming(remote, local, b) })

	return a, nil
}

// scriptConn is a channel whose remote side is driven by the test.
type scriptConn struct {
	sent chan []byte
	recv chan []byte
	done chan struct{}
	once sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		sent: make(chan []byte, 64),
		recv: make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *scriptConn) Read(b []byte) (int, error) {
	select {
	case pkt := <-c.recv:
		return copy(b, pkt), nil

	case <-c.done:
		return 0, io.EOF
	}
}

func (c *scriptConn) Write(b []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.ErrClosedPipe

	default:
	}

	c.sent <- bytes.Clone(b)

	return len(b), nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.done) })

	return nil
}

// expect returns the next message written to the channel.
func (c *scriptConn) expect(t *testing.T) Message {
	t.Helper()

	var r reassembler
	for {
		pkt := receive(t, c.sent)

		msg, ok, err := r.feed(pkt)
		require.NoError(t, err)

		if ok {
			return msg
		}
	}
}

// expectNothing checks that nothing is written for d.
func (c *scriptConn) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case pkt := <-c.sent:
		t.Fatalf("unexpected packet % x", pkt)

	case <-time.After(d):
	}
}

func (c *scriptConn) reply(cmd Message, msgType MessageType, payload []byte) {
	resp := Message{Label: cmd.Label, Type: msgType, Signal: cmd.Signal, Payload: payload}
	for _, pkt := range resp.Fragment(672) {
		c.recv <- pkt
	}
}

// scriptTransport hands out script channels, optionally holding each
// connect until the gate is closed.
type scriptTransport struct {
	connects atomic.Int32
	conns    chan *scriptConn
	gate     chan struct{}
	err      error
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{conns: make(chan *scriptConn, 8)}
}

func (s *scriptTransport) Connect(ctx context.Context, _, _ bluetooth.MacAddress) (Conn, error) {
	s.connects.Inc()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		return nil, s.err
	}

	c := newScriptConn()
	s.conns <- c

	return c, nil
}

// stateRecorder collects the transitions of a stream. It is only used on the loop.
type stateRecorder struct {
	changes []StateChange
}

func (r *stateRecorder) observe(c StateChange) {
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) states() []StreamState {
	states := make([]StreamState, 0, len(r.changes))
	for _, c := range r.changes {
		states = append(states, c.New)
	}

	return states
}

func requireValidPath(t *testing.T, changes []StateChange) {
	t.Helper()

	prev := StreamIdle
	for _, c := range changes {
		require.Equal(t, prev, c.Old, "transition does not start where the last ended")
		require.True(t, validTransition(c.Old, c.New), "invalid transition %s -> %s", c.Old, c.New)

		prev = c.New
	}
}

// waitFor polls cond on the loop until it holds.
func waitFor(t *testing.T, l *loop.Loop, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		var ok bool
		onLoop(t, l, func() { ok = cond() })

		if ok {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition was not met in time")
}

// command sends a command from the scripted remote side.
func (c *scriptConn) command(label uint8, signal SignalID, payload []byte) {
	cmd := Message{Label: label, Type: MessageCommand, Signal: signal, Payload: payload}
	for _, pkt := range cmd.Fragment(672) {
		c.recv <- pkt
	}
}

// connectScripted creates a session on m and returns it with the channel
// handed out by tr, once the session is connected.
func connectScripted(t *testing.T, l *loop.Loop, m *Manager, tr *scriptTransport) (*Session, *scriptConn) {
	t.Helper()

	var s *Session
	onLoop(t, l, func() { s = m.GetOrCreateSession(addrA, addrB) })

	conn := receive(t, tr.conns)
	waitFor(t, l, func() bool { return s.State() == SessionConnected })

	return s, conn
}

// configuredStream creates a stream and configures it, with the scripted
// remote accepting.
func configuredStream(t *testing.T, l *loop.Loop, s *Session, sep *LocalSEP, conn *scriptConn) (*Stream, *stateRecorder) {
	t.Helper()

	var (
		st  *Stream
		err error
	)

	rec := &stateRecorder{}
	results := make(chan Result, 1)

	remote := RemoteSEP{SEID: 1, Type: SEPSink, Capabilities: Capabilities{{Category: CategoryMediaTransport}, MediaCodec(MediaAudio, 0, sbcInfo)}}

	onLoop(t, l, func() {
		st, err = s.CreateStream(sep, remote)
		if err != nil {
			return
		}

		st.AddObserver(rec.observe)
		st.SetConfiguration(testStreamConfig(), func(r Result) { results <- r })
	})
	require.NoError(t, err)

	cmd := conn.expect(t)
	require.Equal(t, SignalSetConfiguration, cmd.Signal)
	conn.reply(cmd, MessageAccept, nil)

	res := receive(t, results)
	require.NoError(t, res.Err)
	require.Equal(t, StreamConfigured, res.State)

	return st, rec
}

func testStreamConfig() Capabilities {
	return Capabilities{
		{Category: CategoryMediaTransport},
		MediaCodec(MediaAudio, 0x00, []byte{0x21, 0x15, 0x02, 0x35}),
	}
}
