// Package session runs the management router and the AVDTP session manager
// on one event loop, and exposes blocking calls that are safe to use from
// any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/eventbus"
	"github.com/darkhz/bluestream/api/helpers/keystore"
	"github.com/darkhz/bluestream/avdtp"
	"github.com/darkhz/bluestream/internal/loop"
	"github.com/darkhz/bluestream/mgmt"
)

// Listener accepts signaling and media channels opened by remote devices.
type Listener interface {
	Accept() (local, remote bluetooth.MacAddress, conn avdtp.Conn, err error)
	io.Closer
}

// Options holds the collaborators of a session.
type Options struct {
	Config config.Configuration
	Log    logr.Logger

	// Bus receives the published adapter, device, stream and error events.
	// If nil, a new bus is created.
	Bus *eventbus.Bus

	// Keys persists pairing keys. If nil, the key store file named by the
	// configuration is opened, or keys are kept in memory.
	Keys keystore.Store

	Agent bluetooth.PairingAgent

	Channel   mgmt.Channel
	Transport avdtp.Transport

	// Listener is optional. Without it, only outgoing sessions are made.
	Listener Listener
}

// Session is a running Bluetooth stack.
type Session struct {
	cfg config.Configuration
	log logr.Logger
	bus *eventbus.Bus

	loop     *loop.Loop
	router   *mgmt.Router
	manager  *avdtp.Manager
	listener Listener

	adapters *xsync.MapOf[uint16, bluetooth.AdapterData]

	started, stopped atomic.Bool
	ready            chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

type result[T any] struct {
	value T
	err   error
}

// New returns a new session. Nothing runs until Start is called.
func New(opts Options) (*Session, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	if opts.Channel == nil || opts.Transport == nil {
		return nil, fmt.Errorf("management channel and transport are required: %w", errorkinds.ErrInvalidParameters)
	}

	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	keys := opts.Keys
	if keys == nil && opts.Config.KeyStorePath != "" {
		f, err := keystore.OpenFile(opts.Config.KeyStorePath)
		if err != nil {
			return nil, err
		}

		keys = f
	}

	l := loop.New()

	s := &Session{
		cfg:      opts.Config,
		log:      log,
		bus:      bus,
		loop:     l,
		listener: opts.Listener,
		adapters: xsync.NewMapOf[uint16, bluetooth.AdapterData](),
		ready:    make(chan struct{}),
	}

	s.router = mgmt.NewRouter(mgmt.Options{
		Loop:    l,
		Channel: opts.Channel,
		Config:  opts.Config,
		Log:     log,
		Bus:     bus,
		Keys:    keys,
		Agent:   opts.Agent,
	})

	s.manager = avdtp.NewManager(avdtp.Options{
		Loop:      l,
		Transport: opts.Transport,
		Config:    opts.Config,
		Log:       log,
		Bus:       bus,
	})

	return s, nil
}

// Start runs the loop and the channel readers, and initializes every
// controller. It returns once the controllers are ready, or with the
// reason they could not be initialized.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session already started: %w", errorkinds.ErrSessionStart)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	s.cancel = cancel
	s.group = g

	g.Go(func() error {
		if err := s.loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})
	g.Go(func() error {
		defer s.loop.Close()
		return s.router.Serve(gctx)
	})
	if s.listener != nil {
		g.Go(func() error {
			return s.accept(gctx)
		})
	}

	started := make(chan error, 1)

	err := s.loop.Call(ctx, func() {
		s.router.AddObserver(s.observe)
		s.router.Start(func(err error) { started <- err })
	})
	if err == nil {
		select {
		case err = <-started:
		case <-ctx.Done():
			err = ctx.Err()
		case <-s.loop.Done():
			err = errorkinds.ErrSessionStop
		}
	}

	if err != nil {
		cancel()
		if gerr := g.Wait(); gerr != nil {
			err = fmt.Errorf("%w: %w", err, gerr)
		}

		return startError(err, "Cannot start the session")
	}

	close(s.ready)
	s.log.Info("Session started", "adapters", s.adapters.Size())

	return nil
}

// Stop tears every session down and stops the loop and the readers.
func (s *Session) Stop() error {
	if !s.started.Load() {
		return errorkinds.ErrSessionNotExist
	}

	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AbortTimeout)
	defer cancel()

	_ = s.loop.Call(ctx, s.manager.Close)

	s.cancel()

	return s.Wait()
}

// Wait blocks until the session stops, and returns the error that stopped it.
func (s *Session) Wait() error {
	if s.group == nil {
		return errorkinds.ErrSessionNotExist
	}

	if err := s.group.Wait(); err != nil {
		return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrSessionStop, err),
			fctx.With(context.Background(), "error_at", "session-wait"),
			ftag.With(ftag.Internal),
			fmsg.With("Session stopped"),
		)
	}

	return nil
}

// Bus returns the event bus of the session.
func (s *Session) Bus() *eventbus.Bus {
	return s.bus
}

// Config returns the engine configuration.
func (s *Session) Config() config.Configuration {
	return s.cfg
}

// Stats returns the management frame counters.
func (s *Session) Stats() mgmt.Stats {
	return s.router.Stats()
}

// Adapters returns the known adapters, ordered by index.
func (s *Session) Adapters() []bluetooth.AdapterData {
	var adapters []bluetooth.AdapterData

	s.adapters.Range(func(_ uint16, a bluetooth.AdapterData) bool {
		adapters = append(adapters, a)
		return true
	})

	slices.SortFunc(adapters, func(a, b bluetooth.AdapterData) int {
		return int(a.Index) - int(b.Index)
	})

	return adapters
}

// Adapter returns the adapter with the given address.
func (s *Session) Adapter(addr bluetooth.MacAddress) (bluetooth.AdapterData, error) {
	for _, a := range s.Adapters() {
		if a.Address == addr {
			return a, nil
		}
	}

	return bluetooth.AdapterData{}, fmt.Errorf("adapter %s: %w", addr, errorkinds.ErrAdapterNotFound)
}

// Controllers returns snapshots of the controller records.
func (s *Session) Controllers(ctx context.Context) ([]mgmt.ControllerInfo, error) {
	var infos []mgmt.ControllerInfo

	err := s.Do(ctx, func(r *mgmt.Router, _ *avdtp.Manager) error {
		infos = r.Controllers()
		return nil
	})

	return infos, err
}

// Do runs fn on the loop with the router and the session manager, and
// returns its error. fn must not block.
func (s *Session) Do(ctx context.Context, fn func(*mgmt.Router, *avdtp.Manager) error) error {
	if err := s.checkReady(); err != nil {
		return err
	}

	var err error
	if cerr := s.loop.Call(ctx, func() { err = fn(s.router, s.manager) }); cerr != nil {
		return cerr
	}

	return err
}

// SetPowered switches the power of the adapter at index.
func (s *Session) SetPowered(ctx context.Context, index uint16, on bool) (mgmt.Settings, error) {
	return call(ctx, s, func(done func(mgmt.Settings, error)) error {
		return s.router.SetPowered(index, on, done)
	})
}

// SetDiscoverable makes the adapter at index discoverable, for timeout if it is set.
func (s *Session) SetDiscoverable(ctx context.Context, index uint16, on bool, timeout time.Duration) (mgmt.Settings, error) {
	return call(ctx, s, func(done func(mgmt.Settings, error)) error {
		return s.router.SetDiscoverable(index, on, timeout, done)
	})
}

// SetConnectable switches whether the adapter at index accepts connections.
func (s *Session) SetConnectable(ctx context.Context, index uint16, on bool) (mgmt.Settings, error) {
	return call(ctx, s, func(done func(mgmt.Settings, error)) error {
		return s.router.SetConnectable(index, on, done)
	})
}

// SetBondable switches whether the adapter at index accepts pairing.
func (s *Session) SetBondable(ctx context.Context, index uint16, on bool) (mgmt.Settings, error) {
	return call(ctx, s, func(done func(mgmt.Settings, error)) error {
		return s.router.SetBondable(index, on, done)
	})
}

// SetLocalName sets the name of the adapter at index.
func (s *Session) SetLocalName(ctx context.Context, index uint16, name, shortName string) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.SetLocalName(index, name, shortName, discard(done))
	})

	return err
}

// StartDiscovery starts device discovery on the adapter at index.
func (s *Session) StartDiscovery(ctx context.Context, index uint16, typ mgmt.DiscoveryType) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.StartDiscovery(index, typ, discard(done))
	})

	return err
}

// StopDiscovery stops device discovery on the adapter at index.
func (s *Session) StopDiscovery(ctx context.Context, index uint16, typ mgmt.DiscoveryType) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.StopDiscovery(index, typ, discard(done))
	})

	return err
}

// Pair bonds with a device using the configured IO capability. If ctx is
// done first, the bonding is cancelled.
func (s *Session) Pair(ctx context.Context, index uint16, addr bluetooth.Address) (mgmt.BondingComplete, error) {
	b, err := call(ctx, s, func(done func(mgmt.BondingComplete, error)) error {
		return s.router.Bond(index, addr, s.cfg.IOCapability, func(b mgmt.BondingComplete) {
			done(b, b.Err)
		})
	})

	if ctx.Err() != nil {
		s.loop.Post(func() {
			if err := s.router.CancelBond(index, addr, nil); err != nil {
				s.log.V(1).Info("Bonding not cancelled", "address", addr.String(), "error", err.Error())
			}
		})
	}

	return b, err
}

// Unpair removes the keys of a device, and disconnects it if disconnect is set.
func (s *Session) Unpair(ctx context.Context, index uint16, addr bluetooth.Address, disconnect bool) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.UnpairDevice(index, addr, disconnect, discard(done))
	})

	return err
}

// Disconnect drops the link to a device.
func (s *Session) Disconnect(ctx context.Context, index uint16, addr bluetooth.Address) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.Disconnect(index, addr, discard(done))
	})

	return err
}

// Block adds a device to the block list of the adapter at index.
func (s *Session) Block(ctx context.Context, index uint16, addr bluetooth.Address) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.BlockDevice(index, addr, discard(done))
	})

	return err
}

// Unblock removes a device from the block list of the adapter at index.
func (s *Session) Unblock(ctx context.Context, index uint16, addr bluetooth.Address) error {
	_, err := call(ctx, s, func(done func(struct{}, error)) error {
		return s.router.UnblockDevice(index, addr, discard(done))
	})

	return err
}

// ConfirmReply answers a pending passkey confirmation.
func (s *Session) ConfirmReply(ctx context.Context, index uint16, addr bluetooth.MacAddress, accept bool) error {
	return s.Do(ctx, func(r *mgmt.Router, _ *avdtp.Manager) error {
		return r.ConfirmReply(index, addr, accept)
	})
}

// PinCodeReply answers a pending PIN code request. An empty pin rejects it.
func (s *Session) PinCodeReply(ctx context.Context, index uint16, addr bluetooth.MacAddress, pin string) error {
	return s.Do(ctx, func(r *mgmt.Router, _ *avdtp.Manager) error {
		return r.PinCodeReply(index, addr, pin)
	})
}

// PasskeyReply answers a pending passkey request.
func (s *Session) PasskeyReply(ctx context.Context, index uint16, addr bluetooth.MacAddress, passkey uint32, accept bool) error {
	return s.Do(ctx, func(r *mgmt.Router, _ *avdtp.Manager) error {
		return r.PasskeyReply(index, addr, passkey, accept)
	})
}

// RegisterSEP registers a local stream end point.
func (s *Session) RegisterSEP(ctx context.Context, cfg avdtp.SEPConfig) (*avdtp.LocalSEP, error) {
	var sep *avdtp.LocalSEP

	err := s.Do(ctx, func(_ *mgmt.Router, m *avdtp.Manager) error {
		var err error
		sep, err = m.RegisterSEP(cfg)

		return err
	})

	return sep, err
}

// Discover lists the stream end points of a remote device.
func (s *Session) Discover(ctx context.Context, local, remote bluetooth.MacAddress) ([]avdtp.RemoteSEP, error) {
	return call(ctx, s, func(done func([]avdtp.RemoteSEP, error)) error {
		sess := s.manager.GetOrCreateSession(local, remote)
		sess.Discover(func(seps []avdtp.RemoteSEP, err error) {
			s.manager.Release(sess)
			done(seps, err)
		})

		return nil
	})
}

// Probe lists the stream end points of a remote device along with all of
// their capabilities, over one signaling session.
func (s *Session) Probe(ctx context.Context, local, remote bluetooth.MacAddress) ([]avdtp.RemoteSEP, error) {
	return call(ctx, s, func(done func([]avdtp.RemoteSEP, error)) error {
		sess := s.manager.GetOrCreateSession(local, remote)
		finish := func(seps []avdtp.RemoteSEP, err error) {
			s.manager.Release(sess)
			done(seps, err)
		}

		sess.Discover(func(seps []avdtp.RemoteSEP, err error) {
			if err != nil {
				finish(nil, err)
				return
			}

			var next func(i int)
			next = func(i int) {
				if i == len(seps) {
					finish(seps, nil)
					return
				}

				sess.GetAllCapabilities(seps[i].SEID, func(caps avdtp.Capabilities, err error) {
					if err != nil {
						finish(nil, err)
						return
					}

					seps[i].Capabilities = caps
					next(i + 1)
				})
			}

			next(0)
		})

		return nil
	})
}

// OpenStream configures a stream between a local and a remote end point
// and opens it. The session is kept while the stream is out of the idle state.
func (s *Session) OpenStream(
	ctx context.Context,
	local, remote bluetooth.MacAddress,
	sep *avdtp.LocalSEP, remoteSEP avdtp.RemoteSEP,
	caps avdtp.Capabilities,
) (*avdtp.Stream, error) {
	return call(ctx, s, func(done func(*avdtp.Stream, error)) error {
		sess := s.manager.GetOrCreateSession(local, remote)

		st, err := sess.CreateStream(sep, remoteSEP)
		if err != nil {
			s.manager.Release(sess)
			return err
		}

		fail := func(err error) {
			st.Unregister()
			s.manager.Release(sess)
			done(nil, err)
		}

		st.SetConfiguration(caps, func(res avdtp.Result) {
			if res.Err != nil {
				fail(res.Err)
				return
			}

			st.Open(func(res avdtp.Result) {
				if res.Err != nil {
					fail(res.Err)
					return
				}

				s.manager.Release(sess)
				done(st, nil)
			})
		})

		return nil
	})
}

// StartStream starts an open stream.
func (s *Session) StartStream(ctx context.Context, st *avdtp.Stream) (avdtp.Result, error) {
	return s.streamOp(ctx, st.Start)
}

// SuspendStream suspends a streaming stream.
func (s *Session) SuspendStream(ctx context.Context, st *avdtp.Stream) (avdtp.Result, error) {
	return s.streamOp(ctx, st.Suspend)
}

// CloseStream closes a stream, returning it to the idle state.
func (s *Session) CloseStream(ctx context.Context, st *avdtp.Stream) (avdtp.Result, error) {
	return s.streamOp(ctx, st.Close)
}

// AbortStream aborts a stream from any state.
func (s *Session) AbortStream(ctx context.Context, st *avdtp.Stream) (avdtp.Result, error) {
	return s.streamOp(ctx, st.Abort)
}

func (s *Session) streamOp(ctx context.Context, op func(func(avdtp.Result))) (avdtp.Result, error) {
	return call(ctx, s, func(done func(avdtp.Result, error)) error {
		op(func(res avdtp.Result) { done(res, res.Err) })
		return nil
	})
}

// call runs fn on the loop and waits until it reports a completion through
// done, ctx is done or the session stops. A synchronous error of fn is
// returned directly.
func call[T any](ctx context.Context, s *Session, fn func(done func(T, error)) error) (T, error) {
	var zero T

	if err := s.checkReady(); err != nil {
		return zero, err
	}

	results := make(chan result[T], 1)
	done := func(v T, err error) {
		select {
		case results <- result[T]{v, err}:
		default:
		}
	}

	var err error
	if cerr := s.loop.Call(ctx, func() { err = fn(done) }); cerr != nil {
		return zero, cerr
	}
	if err != nil {
		return zero, err
	}

	select {
	case r := <-results:
		return r.value, r.err

	case <-ctx.Done():
		return zero, ctx.Err()

	case <-s.loop.Done():
		return zero, errorkinds.ErrSessionStop
	}
}

func discard(done func(struct{}, error)) func(error) {
	return func(err error) { done(struct{}{}, err) }
}

func (s *Session) checkReady() error {
	select {
	case <-s.ready:
	default:
		return errorkinds.ErrSessionNotReady
	}

	if s.stopped.Load() {
		return errorkinds.ErrSessionStop
	}

	return nil
}

// accept hands every incoming channel to the session manager until ctx is done.
func (s *Session) accept(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	for {
		local, remote, conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrTransportClosed, err),
				fctx.With(context.Background(), "error_at", "session-accept"),
				ftag.With(ftag.Internal),
				fmsg.With("Cannot accept incoming channels"),
			)
		}

		s.log.V(1).Info("Incoming channel", "local", local.String(), "remote", remote.String())

		if !s.loop.Post(func() { s.manager.HandleIncoming(local, remote, conn) }) {
			_ = conn.Close()
			return nil
		}
	}
}

// observe keeps the adapter cache current and tears down the signaling
// sessions whose link or adapter went away.
func (s *Session) observe(n mgmt.Notification) {
	switch n := n.(type) {
	case mgmt.ControllerAdded:
		s.adapters.Store(n.Index, n.Info.AdapterData())

	case mgmt.ControllerRemoved:
		s.adapters.Delete(n.Index)
		s.manager.AdapterDown(n.Address, fmt.Errorf("adapter %s removed: %w", n.Address, errorkinds.ErrAdapterNotFound))

	case mgmt.AdapterStateChanged:
		s.refresh(n.Index)

		if n.Old.Has(mgmt.SettingPowered) && !n.New.Has(mgmt.SettingPowered) {
			s.manager.AdapterDown(n.Address, fmt.Errorf("adapter %s powered off: %w", n.Address, errorkinds.ErrAdapterNotPowered))
		}

	case mgmt.AdapterInfoChanged, mgmt.Discovering:
		s.refresh(n.Header().Index)

	case mgmt.DeviceDisconnected:
		if info, ok := s.router.Controller(n.Index); ok {
			s.manager.DeviceDisconnected(info.Address, n.Address.MacAddress)
		}
	}
}

func (s *Session) refresh(index uint16) {
	if info, ok := s.router.Controller(index); ok {
		s.adapters.Store(index, info.AdapterData())
	}
}

func startError(err error, msg string) error {
	return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrSessionStart, err),
		fctx.With(context.Background(), "error_at", "session-start"),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
