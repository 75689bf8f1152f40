package mgmt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/eventbus"
	"github.com/darkhz/bluestream/api/helpers/keystore"
	"github.com/darkhz/bluestream/internal/loop"
)

// Options holds the collaborators of a router.
type Options struct {
	Loop    *loop.Loop
	Channel Channel
	Config  config.Configuration
	Log     logr.Logger
	Bus     *eventbus.Bus

	// Keys persists pairing keys. If nil, keys are kept in memory.
	Keys keystore.Store

	// Agent answers pairing requests. If nil, the default authorizer is used.
	Agent bluetooth.PairingAgent

	// Power completes power transitions. If nil, it is selected by the configuration.
	Power PowerStrategy
}

// Reply is the completion of a command.
type Reply struct {
	Status Status
	Data   []byte
}

// Stats holds the frame counters of a router. It may be read from any goroutine.
type Stats struct {
	Sent, Received, Dropped int64
}

type cmdKey struct {
	index uint16
	op    Opcode
}

type pendingCommand struct {
	key   cmdKey
	cb    func(Reply, error)
	timer *loop.Timer
	acked bool

	// prefix, if set, must start the data of a matching completion.
	prefix []byte
}

type observer struct {
	id int
	fn func(Notification)
}

// Router dispatches the management channel.
type Router struct {
	loop  *loop.Loop
	ch    Channel
	cfg   config.Configuration
	log   logr.Logger
	bus   *eventbus.Bus
	keys  keystore.Store
	agent bluetooth.PairingAgent
	power PowerStrategy

	controllers arena
	pending     map[cmdKey]*pendingCommand

	observers    []observer
	nextObserver int

	version  uint8
	revision uint16

	sent, received, dropped *xsync.Counter
}

// NewRouter returns a new router.
func NewRouter(opts Options) *Router {
	r := &Router{
		loop:     opts.Loop,
		ch:       opts.Channel,
		cfg:      opts.Config,
		log:      opts.Log.WithName("mgmt"),
		bus:      opts.Bus,
		keys:     opts.Keys,
		agent:    opts.Agent,
		power:    opts.Power,
		pending:  make(map[cmdKey]*pendingCommand),
		sent:     xsync.NewCounter(),
		received: xsync.NewCounter(),
		dropped:  xsync.NewCounter(),
	}

	if r.log.GetSink() == nil {
		r.log = logr.Discard()
	}
	if r.keys == nil {
		r.keys = keystore.NewMemory()
	}
	if r.agent == nil {
		r.agent = bluetooth.DefaultAuthorizer{}
	}
	if r.power == nil {
		r.power = PowerFromConfig(r.cfg)
	}

	return r
}

// Serve reads the management channel until ctx is done or the channel fails,
// posting every frame to the loop. It is the only method that runs off the loop.
func (r *Router) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.ch.Close() })
	defer stop()

	for {
		f, err := r.ch.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrTransportClosed, err),
				fctx.With(context.Background(), "error_at", "mgmt-serve"),
				ftag.With(ftag.Internal),
				fmsg.With("Cannot read from the management channel"),
			)
		}

		r.received.Inc()

		if !r.loop.Post(func() { r.dispatch(f) }) {
			return nil
		}
	}
}

// Stats returns the frame counters.
func (r *Router) Stats() Stats {
	return Stats{
		Sent:     r.sent.Value(),
		Received: r.received.Value(),
		Dropped:  r.dropped.Value(),
	}
}

// Version returns the management interface version read at startup.
func (r *Router) Version() (uint8, uint16) {
	return r.version, r.revision
}

// Controller returns a snapshot of the controller at index.
func (r *Router) Controller(index uint16) (ControllerInfo, bool) {
	c, ok := r.controllers.get(index)
	if !ok || !c.ready {
		return ControllerInfo{}, false
	}

	return c.Info(), true
}

// Controllers returns snapshots of every initialized controller.
func (r *Router) Controllers() []ControllerInfo {
	var infos []ControllerInfo
	for _, c := range r.controllers.all() {
		if c.ready {
			infos = append(infos, c.Info())
		}
	}

	return infos
}

// ControllerByAddress returns the controller with the given address.
func (r *Router) ControllerByAddress(addr bluetooth.MacAddress) (ControllerInfo, bool) {
	for _, c := range r.controllers.all() {
		if c.ready && c.address == addr {
			return c.Info(), true
		}
	}

	return ControllerInfo{}, false
}

// AddObserver registers fn for every notification. The returned function removes it.
func (r *Router) AddObserver(fn func(Notification)) func() {
	r.nextObserver++
	id := r.nextObserver

	r.observers = append(r.observers, observer{id, fn})

	return func() {
		r.observers = slices.DeleteFunc(r.observers, func(o observer) bool { return o.id == id })
	}
}

// SendCommand writes a command and calls cb with its completion. Only one
// command per opcode may be in flight on an index. A write failure is
// returned and cb is not called.
func (r *Router) SendCommand(index uint16, op Opcode, payload []byte, cb func(Reply, error)) error {
	_, err := r.sendCommand(index, op, payload, nil, cb)

	return err
}

// sendCommand is SendCommand for completions that echo prefix.
func (r *Router) sendCommand(index uint16, op Opcode, payload, prefix []byte, cb func(Reply, error)) (*pendingCommand, error) {
	if cb == nil {
		cb = func(Reply, error) {}
	}

	key := cmdKey{index, op}
	if _, ok := r.pending[key]; ok {
		return nil, fmt.Errorf("%s on index %d: %w", op, index, errorkinds.ErrCommandPending)
	}

	if err := r.ch.WriteFrame(Frame{Code: uint16(op), Index: index, Payload: payload}); err != nil {
		return nil, fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrTransportClosed, err),
			fctx.With(context.Background(),
				"error_at", "mgmt-send",
				"index", strconv.Itoa(int(index)),
				"opcode", op.String(),
			),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot write to the management channel"),
		)
	}

	r.sent.Inc()

	pc := &pendingCommand{key: key, cb: cb, prefix: prefix}
	if timeout := r.commandTimeout(op); timeout > 0 {
		pc.timer = r.loop.AfterFunc(timeout, func() {
			if r.pending[key] == pc {
				r.completeCommand(pc, Reply{Status: StatusTimeout}, fmt.Errorf("%s on index %d: %w", op, index, errorkinds.ErrMethodTimeout))
			}
		})
	}

	r.pending[key] = pc

	return pc, nil
}

// releaseCommand stops waiting for pc without calling its callback. A
// later completion is dropped as unmatched.
func (r *Router) releaseCommand(pc *pendingCommand) {
	if r.pending[pc.key] != pc {
		return
	}

	delete(r.pending, pc.key)
	pc.timer.Stop()
	r.log.V(1).Info("Released pending command", "index", pc.key.index, "opcode", pc.key.op.String())
}

// commandTimeout bounds the wait for a completion. Pairing is bounded by the
// kernel itself, since it may wait for the user.
func (r *Router) commandTimeout(op Opcode) time.Duration {
	if op == OpPairDevice {
		return 0
	}

	return r.cfg.RequestTimeout
}

func (r *Router) completeCommand(pc *pendingCommand, reply Reply, err error) {
	if r.pending[pc.key] == pc {
		delete(r.pending, pc.key)
	}

	pc.timer.Stop()
	r.loop.Post(func() { pc.cb(reply, err) })
}

func (r *Router) dispatch(f Frame) {
	switch EventCode(f.Code) {
	case EvCmdComplete, EvCmdStatus:
		r.onCommandEvent(f)

	case EvIndexAdded:
		r.onIndexAdded(f.Index)

	case EvIndexRemoved:
		r.onIndexRemoved(f.Index)

	default:
		r.onEvent(f)
	}
}

func (r *Router) onCommandEvent(f Frame) {
	code := EventCode(f.Code)

	if len(f.Payload) < 3 {
		r.drop("Dropping short command event", "event", code.String(), "index", f.Index)
		return
	}

	op := Opcode(binary.LittleEndian.Uint16(f.Payload))
	status := Status(f.Payload[2])

	pc, ok := r.pending[cmdKey{f.Index, op}]
	if !ok {
		r.drop("Dropping unmatched command event", "event", code.String(), "index", f.Index, "opcode", op.String())
		return
	}

	if code == EvCmdStatus && status == StatusSuccess {
		pc.acked = true
		r.log.V(2).Info("Command acknowledged", "index", f.Index, "opcode", op.String())

		return
	}

	var data []byte
	if code == EvCmdComplete {
		data = f.Payload[3:]

		if pc.prefix != nil && !bytes.HasPrefix(data, pc.prefix) {
			r.drop("Dropping command event for another request", "event", code.String(), "index", f.Index, "opcode", op.String())
			return
		}
	}

	r.completeCommand(pc, Reply{Status: status, Data: data}, status.Err(op, f.Index))
}

func (r *Router) drop(msg string, kv ...any) {
	r.dropped.Inc()
	r.log.V(1).Info(msg, kv...)
}

func (r *Router) notify(n Notification) {
	observers := slices.Clone(r.observers)

	r.loop.Post(func() {
		for _, o := range observers {
			o.fn(n)
		}
	})
}

func (r *Router) publishError(err error) {
	r.log.Error(err, "Management error")
	bluetooth.ErrorEvents(r.bus).PublishAdded(errorkinds.GenericError{Errors: err})
}

func (r *Router) onEvent(f Frame) {
	n, err := parseEvent(f)
	if err != nil {
		r.drop("Dropping event", "index", f.Index, "error", err.Error())
		return
	}

	c, ok := r.controllers.get(f.Index)
	if !ok {
		r.drop("Dropping event for unknown index", "event", EventCode(f.Code).String(), "index", f.Index)
		return
	}

	switch v := n.(type) {
	case AdapterStateChanged:
		r.applySettings(c, v.New)
		return

	case AdapterInfoChanged:
		if v.Code == EvClassOfDevChanged {
			c.class = v.Class
			v.Name, v.ShortName = c.name, c.shortName
		} else {
			c.name, c.shortName = v.Name, v.ShortName
			v.Class = c.class
		}

		n = v
		bluetooth.AdapterEvents(r.bus).PublishUpdated(c.Info().eventData())

	case ControllerError:
		r.publishError(fmt.Errorf("controller %d reported error 0x%02x: %w", c.index, v.ErrorCode, errorkinds.ErrCommandFailed))

	case LinkKey:
		v.Key.Adapter = c.address
		n = v

		r.storeLinkKey(c, v)
		r.finishBonding(c, v.Key.Device.MacAddress, StatusSuccess)

	case LongTermKey:
		v.Key.Adapter = c.address
		n = v

		r.storeLongTermKey(c, v)

	case DeviceConnected:
		c.connections[v.Address.MacAddress] = v.Address
		r.publishDevice(c, v.Address, func(d *bluetooth.DeviceEventData) { d.Connected = true })

	case DeviceDisconnected:
		delete(c.connections, v.Address.MacAddress)

		r.finishBonding(c, v.Address.MacAddress, StatusDisconnected)
		r.cancelAuth(c, v.Address.MacAddress)
		r.publishDevice(c, v.Address, func(d *bluetooth.DeviceEventData) { d.Status = v.Reason })

	case ConnectFailed:
		r.finishBonding(c, v.Address.MacAddress, v.Status)
		r.publishDevice(c, v.Address, func(d *bluetooth.DeviceEventData) { d.Status = uint8(v.Status) })

	case AuthFailed:
		r.finishBonding(c, v.Address.MacAddress, v.Status)
		r.cancelAuth(c, v.Address.MacAddress)

	case PinCodeRequest, ConfirmRequest, PasskeyRequest:
		r.handleAuth(c, n)

	case DeviceFound:
		bluetooth.DeviceEvents(r.bus).PublishAdded(bluetooth.DeviceEventData{
			Address:           v.Address.MacAddress,
			AddressType:       v.Address.Type,
			AssociatedAdapter: c.address,
			RSSI:              v.RSSI,
			Class:             eirClass(v.EIR),
		})

	case Discovering:
		c.discovering = v.Active
		bluetooth.AdapterEvents(r.bus).PublishUpdated(c.Info().eventData())

	case DeviceBlocked:
		r.publishDevice(c, v.Address, func(d *bluetooth.DeviceEventData) { d.Blocked = true })

	case DeviceUnblocked:
		r.publishDevice(c, v.Address, nil)

	case DeviceUnpaired:
		r.removeKeys(c, v.Address.MacAddress)
		bluetooth.DeviceEvents(r.bus).PublishRemoved(bluetooth.DeviceEventData{
			Address:           v.Address.MacAddress,
			AddressType:       v.Address.Type,
			AssociatedAdapter: c.address,
		})
	}

	if addr, ok := eventAddress(n); ok {
		r.resolveWaiter(c, waiterKey{EventCode(f.Code), addr.MacAddress}, n)
	}

	r.notify(n)
}

func (r *Router) publishDevice(c *Controller, addr bluetooth.Address, set func(*bluetooth.DeviceEventData)) {
	d := bluetooth.DeviceEventData{
		Address:           addr.MacAddress,
		AddressType:       addr.Type,
		AssociatedAdapter: c.address,
	}

	_, d.Connected = c.connections[addr.MacAddress]
	if set != nil {
		set(&d)
	}

	bluetooth.DeviceEvents(r.bus).PublishUpdated(d)
}

// applySettings records the current settings of c. Losing the powered bit
// cancels everything bound to the links of the controller before observers
// hear about it.
func (r *Router) applySettings(c *Controller, settings Settings) {
	old := c.current
	if old == settings {
		return
	}

	c.current = settings

	if old.Has(SettingPowered) && !settings.Has(SettingPowered) {
		r.poweredOff(c)
	}

	r.log.V(1).Info("Controller settings changed", "index", c.index, "old", old.String(), "new", settings.String())

	r.notify(AdapterStateChanged{
		Event:   Event{Code: EvNewSettings, Index: c.index},
		Address: c.address,
		Old:     old,
		New:     settings,
	})
	bluetooth.AdapterEvents(r.bus).PublishUpdated(c.Info().eventData())
}

func (r *Router) poweredOff(c *Controller) {
	reason := fmt.Errorf("controller %d powered off: %w", c.index, errorkinds.ErrAdapterNotPowered)

	r.cancelWaiters(c, reason)
	r.failBondings(c, StatusNotPowered, reason)

	for addr := range c.auths {
		r.cancelAuth(c, addr)
	}

	conns := c.Info().Connections
	clear(c.connections)
	c.discovering = false

	for _, addr := range conns {
		r.notify(DeviceDisconnected{
			Event:   Event{Code: EvDeviceDisconnected, Index: c.index},
			Address: addr,
			Err:     reason,
		})
		r.publishDevice(c, addr, nil)
	}
}

func (r *Router) onIndexAdded(index uint16) {
	if c, ok := r.controllers.get(index); ok {
		r.log.V(1).Info("Index added again, reinitializing", "index", index)
		r.dropController(c, errorkinds.ErrAdapterNotFound)
	}

	r.initController(index, nil)
}

func (r *Router) onIndexRemoved(index uint16) {
	c, ok := r.controllers.get(index)
	if !ok {
		r.drop("Dropping removal of unknown index", "index", index)
		return
	}

	r.dropController(c, fmt.Errorf("controller %d removed: %w", index, errorkinds.ErrAdapterNotFound))

	r.notify(ControllerRemoved{Event: Event{Code: EvIndexRemoved, Index: index}, Address: c.address})
	bluetooth.AdapterEvents(r.bus).PublishRemoved(c.Info().eventData())
}

// dropController blanks the slot of c and fails everything pending on it.
func (r *Router) dropController(c *Controller, reason error) {
	r.controllers.remove(c.index)

	for key, pc := range r.pending {
		if key.index == c.index {
			r.completeCommand(pc, Reply{Status: StatusInvalidIndex}, reason)
		}
	}

	r.cancelWaiters(c, reason)
	r.failBondings(c, StatusInvalidIndex, reason)

	for addr := range c.auths {
		r.cancelAuth(c, addr)
	}

	clear(c.connections)
}

// Start reads the interface version and the index list, and initializes
// every controller. cb is called once all of them are initialized.
func (r *Router) Start(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}

	fail := func(err error) { r.loop.Post(func() { cb(err) }) }

	err := r.SendCommand(IndexNone, OpReadVersion, nil, func(reply Reply, err error) {
		if err != nil {
			cb(err)
			return
		}

		rd := &reader{b: reply.Data}
		r.version, r.revision = rd.u8(), rd.u16()
		r.log.Info("Management interface", "version", r.version, "revision", r.revision)

		err = r.SendCommand(IndexNone, OpReadIndexList, nil, func(reply Reply, err error) {
			if err != nil {
				cb(err)
				return
			}

			rd := &reader{b: reply.Data}
			indexes := make([]uint16, rd.u16())
			for i := range indexes {
				indexes[i] = rd.u16()
			}

			if rd.err != nil {
				cb(fmt.Errorf("%s: %w", OpReadIndexList, rd.err))
				return
			}

			remaining := len(indexes)
			if remaining == 0 {
				cb(nil)
				return
			}

			for _, index := range indexes {
				r.initController(index, func() {
					if remaining--; remaining == 0 {
						cb(nil)
					}
				})
			}
		})
		if err != nil {
			cb(err)
		}
	})
	if err != nil {
		fail(err)
	}
}

// initController reads the controller information, loads the stored keys
// and applies the configured pairing settings. done is called at the end,
// whether or not every step succeeded.
func (r *Router) initController(index uint16, done func()) {
	if done == nil {
		done = func() {}
	}

	c := newController(index)
	r.controllers.put(c)

	current := func() bool {
		cur, ok := r.controllers.get(index)
		return ok && cur == c
	}

	steps := []func(next func()){
		func(next func()) { r.loadLinkKeys(c, next) },
		func(next func()) { r.loadLongTermKeys(c, next) },
		func(next func()) {
			r.stepCommand(c, OpSetIOCapability, payload{}.u8(uint8(r.cfg.IOCapability)), next)
		},
	}

	var run func(i int)
	run = func(i int) {
		if !current() {
			done()
			return
		}

		if i < len(steps) {
			steps[i](func() { run(i + 1) })
			return
		}

		c.ready = true
		info := c.Info()

		r.log.Info("Controller ready", "index", index, "address", c.address.String(), "settings", c.current.String())
		r.notify(ControllerAdded{Event: Event{Code: EvIndexAdded, Index: index}, Info: info})
		bluetooth.AdapterEvents(r.bus).PublishAdded(info.AdapterData())

		if r.cfg.AutoPowerOn && !c.Powered() {
			err := r.SetPowered(index, true, func(_ Settings, err error) {
				if err != nil {
					r.publishError(err)
				}
			})
			if err != nil {
				r.publishError(err)
			}
		}

		done()
	}

	err := r.SendCommand(index, OpReadInfo, nil, func(reply Reply, err error) {
		if !current() {
			done()
			return
		}

		if err == nil {
			err = c.parseInfo(reply.Data)
		}

		if err != nil {
			r.publishError(fault.Wrap(err,
				fctx.With(context.Background(), "error_at", "mgmt-read-info", "index", strconv.Itoa(int(index))),
				ftag.With(ftag.NotFound),
				fmsg.With("Cannot read the controller information"),
			))
			r.controllers.remove(index)
			done()

			return
		}

		run(0)
	})
	if err != nil {
		r.publishError(err)
		r.controllers.remove(index)
		r.loop.Post(done)
	}
}

// stepCommand sends a startup command whose failure is only logged.
func (r *Router) stepCommand(c *Controller, op Opcode, p []byte, next func()) {
	err := r.SendCommand(c.index, op, p, func(_ Reply, err error) {
		if err != nil {
			r.log.Error(err, "Startup command failed", "index", c.index, "opcode", op.String())
		}

		next()
	})
	if err != nil {
		r.log.Error(err, "Startup command failed", "index", c.index, "opcode", op.String())
		r.loop.Post(next)
	}
}

func (c *Controller) parseInfo(b []byte) error {
	rd := &reader{b: b}

	copy(c.address[:], rd.take(bluetooth.NumAddressBytes))
	c.version = rd.u8()
	c.manufacturer = rd.u16()
	c.supported = Settings(rd.u32())
	c.current = Settings(rd.u32())
	c.class = rd.class()
	c.name = rd.str(nameSize)
	c.shortName = rd.str(shortNameSize)

	if rd.err != nil {
		return fmt.Errorf("%s: %w", OpReadInfo, rd.err)
	}

	return nil
}

// eirClass returns the class of device carried in extended inquiry data, if any.
func eirClass(eir []byte) uint32 {
	for len(eir) >= 2 {
		n := int(eir[0])
		if n == 0 || len(eir) < 1+n {
			break
		}

		if eir[1] == 0x0d && n == 4 {
			return uint32(eir[2]) | uint32(eir[3])<<8 | uint32(eir[4])<<16
		}

		eir = eir[1+n:]
	}

	return 0
}
