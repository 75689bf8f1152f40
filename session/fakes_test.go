package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/eventbus"
	"github.com/darkhz/bluestream/avdtp"
	"github.com/darkhz/bluestream/internal/loop"
	"github.com/darkhz/bluestream/mgmt"
)

const waitTimeout = 2 * time.Second

var (
	ctrlAddr = bluetooth.MustParseMAC("00:1A:7D:DA:71:13")
	peerAddr = bluetooth.MustParseMAC("AC:12:2F:6E:00:01")

	sbcInfo = []byte{0xff, 0xff, 0x02, 0x35}
)

const (
	settingsOn        = mgmt.SettingPowered | mgmt.SettingConnectable | mgmt.SettingBondable | mgmt.SettingSSP | mgmt.SettingBREDR
	settingsSupported = settingsOn | mgmt.SettingDiscoverable
)

func testConfig() config.Configuration {
	cfg := config.New()
	cfg.RequestTimeout = time.Second
	cfg.AbortTimeout = 200 * time.Millisecond
	cfg.DisconnectDelay = 50 * time.Millisecond
	cfg.AutoDisconnect = false

	return cfg
}

// fakeKernel answers the management commands of a single powered controller
// at index 0.
type fakeKernel struct {
	mu       sync.Mutex
	settings mgmt.Settings
	hold     map[mgmt.Opcode]bool

	in      chan mgmt.Frame
	written chan mgmt.Frame
	done    chan struct{}
	once    sync.Once
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		settings: settingsOn,
		hold:     make(map[mgmt.Opcode]bool),
		in:       make(chan mgmt.Frame, 64),
		written:  make(chan mgmt.Frame, 256),
		done:     make(chan struct{}),
	}
}

func (k *fakeKernel) ReadFrame() (mgmt.Frame, error) {
	select {
	case f := <-k.in:
		return f, nil

	case <-k.done:
		return mgmt.Frame{}, io.EOF
	}
}

func (k *fakeKernel) WriteFrame(f mgmt.Frame) error {
	select {
	case <-k.done:
		return io.ErrClosedPipe
	default:
	}

	select {
	case k.written <- f:
	default:
	}

	op := mgmt.Opcode(f.Code)

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.hold[op] {
		return nil
	}

	switch op {
	case mgmt.OpReadVersion:
		k.complete(f, []byte{1, 22, 0})

	case mgmt.OpReadIndexList:
		k.complete(f, []byte{1, 0, 0, 0})

	case mgmt.OpReadInfo:
		k.complete(f, k.info())

	case mgmt.OpSetPowered:
		if f.Payload[0] == 1 {
			k.settings |= mgmt.SettingPowered
		} else {
			k.settings &^= mgmt.SettingPowered
		}

		k.complete(f, binary.LittleEndian.AppendUint32(nil, uint32(k.settings)))

	case mgmt.OpPairDevice, mgmt.OpCancelPairDevice, mgmt.OpDisconnect, mgmt.OpUnpairDevice:
		k.complete(f, f.Payload[:bluetooth.AddressInfoSize])

	default:
		k.complete(f, nil)
	}

	return nil
}

func (k *fakeKernel) Close() error {
	k.once.Do(func() { close(k.done) })
	return nil
}

func (k *fakeKernel) info() []byte {
	b := bytes.Clone(ctrlAddr[:])
	b = append(b, 0x0a, 0x02, 0x00)
	b = binary.LittleEndian.AppendUint32(b, uint32(settingsSupported))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.settings))
	b = append(b, 0x0c, 0x04, 0x24)

	name := make([]byte, 249)
	copy(name, "bluestream")
	short := make([]byte, 11)
	copy(short, "bs")

	return append(append(b, name...), short...)
}

func (k *fakeKernel) complete(f mgmt.Frame, data []byte) {
	p := binary.LittleEndian.AppendUint16(nil, f.Code)
	p = append(p, uint8(mgmt.StatusSuccess))

	k.in <- mgmt.Frame{Code: uint16(mgmt.EvCmdComplete), Index: f.Index, Payload: append(p, data...)}
}

func (k *fakeKernel) event(code mgmt.EventCode, payload []byte) {
	k.in <- mgmt.Frame{Code: uint16(code), Index: 0, Payload: payload}
}

func (k *fakeKernel) expect(t *testing.T, op mgmt.Opcode) mgmt.Frame {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-k.written:
			if mgmt.Opcode(f.Code) == op {
				return f
			}

		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return mgmt.Frame{}
		}
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

// peer is a remote device with its own AVDTP stack.
type peer struct {
	l *loop.Loop
	m *avdtp.Manager
}

func newPeer(t *testing.T, tr avdtp.Transport) *peer {
	t.Helper()

	p := &peer{l: loop.New()}
	p.m = avdtp.NewManager(avdtp.Options{
		Loop:      p.l,
		Transport: tr,
		Config:    testConfig(),
		Log:       testr.New(t).WithName("peer"),
		Bus:       eventbus.New(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		_ = p.l.Run(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		p.l.Post(p.m.Close)
		cancel()
		<-stopped
	})

	return p
}

func (p *peer) onLoop(t *testing.T, fn func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, p.l.Call(ctx, fn))
}

// peerTransport dials the peer: every channel opened by the session is
// handed to the peer as an incoming one.
type peerTransport struct {
	p *peer
}

func (tr *peerTransport) Connect(_ context.Context, local, remote bluetooth.MacAddress) (avdtp.Conn, error) {
	if remote != peerAddr || tr.p == nil {
		return nil, io.ErrUnexpectedEOF
	}

	a, b := newPipe()
	tr.p.l.Post(func() { tr.p.m.HandleIncoming(remote, local, b) })

	return a, nil
}

type incoming struct {
	local, remote bluetooth.MacAddress
	conn          avdtp.Conn
}

// fakeListener delivers the channels the peer opens towards the session.
type fakeListener struct {
	conns chan incoming
	done  chan struct{}
	once  sync.Once
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		conns: make(chan incoming, 8),
		done:  make(chan struct{}),
	}
}

func (l *fakeListener) Accept() (local, remote bluetooth.MacAddress, conn avdtp.Conn, err error) {
	select {
	case c := <-l.conns:
		return c.local, c.remote, c.conn, nil

	case <-l.done:
		return local, remote, nil, io.EOF
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Connect lets the peer dial the session through the listener.
func (l *fakeListener) Connect(_ context.Context, local, remote bluetooth.MacAddress) (avdtp.Conn, error) {
	a, b := newPipe()

	select {
	case l.conns <- incoming{local: remote, remote: local, conn: b}:
		return a, nil

	case <-l.done:
		return nil, io.ErrClosedPipe
	}
}

type harness struct {
	s        *Session
	kernel   *fakeKernel
	listener *fakeListener
	peer     *peer
}

func newHarness(t *testing.T, cfg config.Configuration) *harness {
	t.Helper()

	h := &harness{
		kernel:   newFakeKernel(),
		listener: newFakeListener(),
	}

	tr := &peerTransport{}
	h.peer = newPeer(t, h.listener)
	tr.p = h.peer

	s, err := New(Options{
		Config:    cfg,
		Log:       testr.New(t),
		Channel:   h.kernel,
		Transport: tr,
		Listener:  h.listener,
	})
	require.NoError(t, err)

	h.s = s
	t.Cleanup(func() { _ = s.Stop() })

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, h.s.Start(ctx))
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)

	return ctx
}

func sinkConfig() avdtp.SEPConfig {
	return avdtp.SEPConfig{
		Type:      avdtp.SEPSink,
		MediaType: avdtp.MediaAudio,
		CodecType: 0x00,
		Capabilities: avdtp.Capabilities{
			avdtp.MediaCodec(avdtp.MediaAudio, 0x00, sbcInfo),
		},
	}
}

func sourceConfig() avdtp.SEPConfig {
	return avdtp.SEPConfig{
		Type:      avdtp.SEPSource,
		MediaType: avdtp.MediaAudio,
		CodecType: 0x00,
		Capabilities: avdtp.Capabilities{
			avdtp.MediaCodec(avdtp.MediaAudio, 0x00, sbcInfo),
		},
	}
}

// hasSession reports whether the session holds a signaling session with the
// peer. It may be called from any goroutine.
func hasSession(t *testing.T, s *Session) bool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var ok bool
	err := s.Do(ctx, func(_ *mgmt.Router, m *avdtp.Manager) error {
		_, ok = m.Session(ctrlAddr, peerAddr)
		return nil
	})

	return err == nil && ok
}

func disconnectedPayload(addr bluetooth.MacAddress, reason uint8) []byte {
	b := make([]byte, bluetooth.AddressInfoSize)
	bluetooth.Address{MacAddress: addr}.PutAddressInfo(b)

	return append(b, reason)
}
