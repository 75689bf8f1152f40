package mgmt

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/helpers/keystore"
	"github.com/darkhz/bluestream/internal/loop"
)

const waitTimeout = 2 * time.Second

var (
	ctrlAddr = bluetooth.MustParseMAC("00:1A:7D:DA:71:13")
	devA     = bluetooth.Address{MacAddress: bluetooth.MustParseMAC("AC:12:2F:6E:00:01")}
	devB     = bluetooth.Address{MacAddress: bluetooth.MustParseMAC("AC:12:2F:6E:00:02")}
)

func testConfig() config.Configuration {
	cfg := config.New()
	cfg.RequestTimeout = 300 * time.Millisecond
	cfg.AuthTimeout = time.Second
	cfg.AutoAcceptDelay = 50 * time.Millisecond

	return cfg
}

// fakeChannel is an in-memory management channel. Frames written by the
// router are re-parsed from their encoding, so the header is exercised.
type fakeChannel struct {
	in, out chan Frame
	done    chan struct{}
	once    sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:   make(chan Frame, 64),
		out:  make(chan Frame, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeChannel) ReadFrame() (Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil

	case <-f.done:
		return Frame{}, io.EOF
	}
}

func (f *fakeChannel) WriteFrame(fr Frame) error {
	select {
	case <-f.done:
		return io.ErrClosedPipe
	default:
	}

	b, err := fr.MarshalBinary()
	if err != nil {
		return err
	}

	parsed, err := ParseFrame(b)
	if err != nil {
		return err
	}

	f.out <- parsed

	return nil
}

func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) expect(t *testing.T, index uint16, op Opcode) Frame {
	t.Helper()

	select {
	case fr := <-f.out:
		require.Equal(t, op.String(), Opcode(fr.Code).String())
		require.Equal(t, index, fr.Index)

		return fr

	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", op)
	}

	return Frame{}
}

func (f *fakeChannel) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case fr := <-f.out:
		t.Fatalf("unexpected %s", Opcode(fr.Code))

	case <-time.After(d):
	}
}

func (f *fakeChannel) event(index uint16, code EventCode, p payload) {
	f.in <- Frame{Code: uint16(code), Index: index, Payload: p}
}

func (f *fakeChannel) complete(index uint16, op Opcode, status Status, data payload) {
	f.event(index, EvCmdComplete, append(payload{}.u16(uint16(op)).u8(uint8(status)), data...))
}

func (f *fakeChannel) status(index uint16, op Opcode, status Status) {
	f.event(index, EvCmdStatus, payload{}.u16(uint16(op)).u8(uint8(status)))
}

// blockingAgent answers nothing until its timeout expires.
type blockingAgent struct{}

func (blockingAgent) RequestPinCode(t bluetooth.AuthTimeout, _ bluetooth.MacAddress, _ bool) (string, error) {
	<-t.Done()
	return "", t.Err()
}

func (blockingAgent) RequestPasskey(t bluetooth.AuthTimeout, _ bluetooth.MacAddress) (uint32, error) {
	<-t.Done()
	return 0, t.Err()
}

func (blockingAgent) ConfirmPasskey(t bluetooth.AuthTimeout, _ bluetooth.MacAddress, _ uint32) error {
	<-t.Done()
	return t.Err()
}

type harness struct {
	l     *loop.Loop
	r     *Router
	ch    *fakeChannel
	keys  *keystore.Memory
	notes chan Notification
}

func newHarness(t *testing.T, cfg config.Configuration, agent bluetooth.PairingAgent) *harness {
	t.Helper()

	h := &harness{
		l:     loop.New(),
		ch:    newFakeChannel(),
		keys:  keystore.NewMemory(),
		notes: make(chan Notification, 256),
	}

	h.r = NewRouter(Options{
		Loop:    h.l,
		Channel: h.ch,
		Config:  cfg,
		Log:     testr.New(t),
		Keys:    h.keys,
		Agent:   agent,
	})

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = h.l.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = h.r.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		h.l.Close()
		wg.Wait()
	})

	h.onLoop(t, func() {
		h.r.AddObserver(func(n Notification) {
			select {
			case h.notes <- n:
			default:
			}
		})
	})

	return h
}

// onLoop runs fn on the loop and waits for it.
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, h.l.Call(ctx, fn))
}

func infoPayload(addr bluetooth.MacAddress, supported, current Settings) payload {
	p := append(payload{}, addr[:]...)
	p = p.u8(0x0a).u16(0x0002).u32(uint32(supported)).u32(uint32(current))
	p = append(p, 0x0c, 0x04, 0x24)

	return p.str("bluestream", nameSize).str("bs", shortNameSize)
}

// start runs the startup sequence against a single controller at index 0
// and returns the frames it wrote, by opcode.
func (h *harness) start(t *testing.T, supported, current Settings) map[Opcode]Frame {
	t.Helper()

	started := make(chan error, 1)
	h.onLoop(t, func() {
		h.r.Start(func(err error) { started <- err })
	})

	frames := make(map[Opcode]Frame)

	h.ch.expect(t, IndexNone, OpReadVersion)
	h.ch.complete(IndexNone, OpReadVersion, StatusSuccess, payload{}.u8(1).u16(22))

	h.ch.expect(t, IndexNone, OpReadIndexList)
	h.ch.complete(IndexNone, OpReadIndexList, StatusSuccess, payload{}.u16(1).u16(0))

	h.ch.expect(t, 0, OpReadInfo)
	h.ch.complete(0, OpReadInfo, StatusSuccess, infoPayload(ctrlAddr, supported, current))

	ops := []Opcode{OpLoadLinkKeys}
	if supported.Has(SettingLE) {
		ops = append(ops, OpLoadLongTermKeys)
	}
	ops = append(ops, OpSetIOCapability)

	for _, op := range ops {
		frames[op] = h.ch.expect(t, 0, op)
		h.ch.complete(0, op, StatusSuccess, nil)
	}

	require.NoError(t, receive(t, started))

	added := nextNote[ControllerAdded](t, h.notes)
	require.Equal(t, ctrlAddr, added.Info.Address)

	return frames
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

// nextNote skips notifications until one of type T arrives.
func nextNote[T Notification](t *testing.T, ch <-chan Notification) T {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case n := <-ch:
			if v, ok := n.(T); ok {
				return v
			}

		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)

			return zero
		}
	}
}

func nothingOn[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)

	case <-time.After(d):
	}
}

const (
	settingsOn        = SettingPowered | SettingConnectable | SettingBondable | SettingSSP | SettingBREDR
	settingsSupported = settingsOn | SettingDiscoverable | SettingLE
)
