package avdtp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/internal/loop"
)

// StreamState is the negotiation state of a stream.
type StreamState uint8

// The stream states.
const (
	StreamIdle StreamState = iota
	StreamConfigured
	StreamOpen
	StreamStreaming
	StreamClosing
	StreamAborting
)

func (s StreamState) String() string {
	switch s {
	case StreamConfigured:
		return "configured"

	case StreamOpen:
		return "open"

	case StreamStreaming:
		return "streaming"

	case StreamClosing:
		return "closing"

	case StreamAborting:
		return "aborting"
	}

	return "idle"
}

// configured reports whether the state holds a negotiated configuration.
func (s StreamState) configured() bool {
	return s == StreamConfigured || s == StreamOpen || s == StreamStreaming
}

// validTransition reports whether the stream may move from old to new.
func validTransition(old, new StreamState) bool {
	switch new {
	case StreamConfigured:
		return old == StreamIdle || old == StreamClosing

	case StreamOpen:
		return old == StreamConfigured || old == StreamStreaming || old == StreamClosing

	case StreamStreaming:
		return old == StreamOpen || old == StreamClosing

	case StreamClosing:
		return old.configured()

	case StreamAborting:
		return old.configured() || old == StreamClosing

	case StreamIdle:
		return old == StreamClosing || old == StreamAborting
	}

	return false
}

// Result is the completion of a stream operation.
type Result struct {
	State        StreamState
	Capabilities Capabilities
	Err          error
}

// StateChange describes one transition of a stream.
type StateChange struct {
	Stream   *Stream
	Old, New StreamState
	Err      error
}

type observer struct {
	id int
	fn func(StateChange)
}

// operation is the single outstanding operation of a stream.
type operation struct {
	signal SignalID
	cb     func(Result)

	req    *request
	timer  *loop.Timer
	cancel context.CancelFunc

	// revert restores the stream state when the remote rejects the command.
	revert func()

	// deferred holds rejections of requests made while this operation
	// was pending, delivered right after its completion.
	deferred []func()
}

// Stream is a stream between a local and a remote end point.
type Stream struct {
	m       *Manager
	session *Session
	local   *LocalSEP
	remote  RemoteSEP

	state    StreamState
	caps     Capabilities
	delay    uint16
	acceptor bool

	pending    *operation
	media      Conn
	awaitMedia *loop.Timer

	observers    []observer
	nextObserver int
	unregistered bool
}

func newStream(s *Session, local *LocalSEP, remote RemoteSEP, acceptor bool) *Stream {
	st := &Stream{
		m:        s.m,
		session:  s,
		local:    local,
		remote:   remote,
		acceptor: acceptor,
	}

	local.stream = st
	s.streams = append(s.streams, st)

	return st
}

// State returns the current state.
func (st *Stream) State() StreamState {
	return st.state
}

// Capabilities returns the negotiated capabilities.
func (st *Stream) Capabilities() Capabilities {
	return st.caps.Clone()
}

// LocalSEP returns the local end point.
func (st *Stream) LocalSEP() *LocalSEP {
	return st.local
}

// RemoteSEP returns the remote end point.
func (st *Stream) RemoteSEP() RemoteSEP {
	return st.remote
}

// Session returns the session the stream is bound to, or nil once detached.
func (st *Stream) Session() *Session {
	return st.session
}

// Delay returns the last delay reported for the stream, in 1/10 milliseconds.
func (st *Stream) Delay() uint16 {
	return st.delay
}

// Transport returns the media transport channel, once the stream is open.
func (st *Stream) Transport() Conn {
	return st.media
}

// Pending reports whether an operation is outstanding.
func (st *Stream) Pending() bool {
	return st.pending != nil
}

// AddObserver registers fn to be called on every transition.
// The returned function removes it.
func (st *Stream) AddObserver(fn func(StateChange)) func() {
	st.nextObserver++
	id := st.nextObserver

	st.observers = append(st.observers, observer{id, fn})

	return func() {
		st.observers = slices.DeleteFunc(st.observers, func(o observer) bool { return o.id == id })
	}
}

// SetConfiguration configures an idle stream with caps.
func (st *Stream) SetConfiguration(caps Capabilities, cb func(Result)) {
	op, ok := st.begin(SignalSetConfiguration, cb, StreamIdle)
	if !ok {
		return
	}

	if err := st.checkConfiguration(SignalSetConfiguration, caps); err != nil {
		st.completeOp(Result{State: st.state, Err: err})
		return
	}

	caps = caps.Clone()
	payload := append([]byte{seidByte(st.remote.SEID), seidByte(st.local.SEID)}, caps.Encode()...)

	st.request(op, SignalSetConfiguration, payload, func(Message) {
		st.caps = caps
		st.setState(StreamConfigured, nil)
		st.completeOp(Result{State: st.state, Capabilities: st.caps.Clone()})
	})
}

// GetConfiguration asks the remote device for the configuration of the stream.
func (st *Stream) GetConfiguration(cb func(Result)) {
	op, ok := st.begin(SignalGetConfiguration, cb, StreamConfigured, StreamOpen, StreamStreaming)
	if !ok {
		return
	}

	st.request(op, SignalGetConfiguration, []byte{seidByte(st.remote.SEID)}, func(resp Message) {
		caps, err := DecodeCapabilities(resp.Payload)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.Signal = SignalGetConfiguration
			}

			st.completeOp(Result{State: st.state, Err: err})

			return
		}

		st.completeOp(Result{State: st.state, Capabilities: caps})
	})
}

// Open opens a configured stream. The stream is open once the media
// transport channel is established.
func (st *Stream) Open(cb func(Result)) {
	op, ok := st.begin(SignalOpen, cb, StreamConfigured)
	if !ok {
		return
	}

	st.request(op, SignalOpen, []byte{seidByte(st.remote.SEID)}, func(Message) {
		st.connectMedia(op)
	})
}

func (st *Stream) connectMedia(op *operation) {
	m := st.m
	local, remote := st.session.local, st.session.remote

	ctx, cancel := context.WithCancel(m.ctx)
	op.cancel = cancel

	op.timer = m.loop.AfterFunc(m.cfg.RequestTimeout, func() {
		if st.pending != op {
			return
		}

		cancel()
		op.cancel = nil

		st.completeOp(Result{State: st.state, Err: fmt.Errorf("media transport: %w", errorkinds.ErrMethodTimeout)})
		st.beginAbort(nil)
	})

	go func() {
		conn, err := m.transport.Connect(ctx, local, remote)
		if !m.loop.Post(func() { st.mediaConnected(op, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (st *Stream) mediaConnected(op *operation, conn Conn, err error) {
	if st.pending != op {
		if conn != nil {
			_ = conn.Close()
		}

		return
	}

	if op.cancel != nil {
		op.cancel()
		op.cancel = nil
	}

	if err != nil {
		err = fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrConnectionFailed, err),
			fctx.With(context.Background(),
				"error_at", "avdtp-stream-media",
				"address", st.session.remote.String(),
			),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect the media transport"),
		)

		// The remote end point is already open, so it has to be aborted.
		st.completeOp(Result{State: st.state, Err: err})
		st.beginAbort(nil)

		return
	}

	st.media = conn
	st.setState(StreamOpen, nil)
	st.completeOp(Result{State: st.state, Capabilities: st.caps.Clone()})
}

// Start starts an open stream.
func (st *Stream) Start(cb func(Result)) {
	op, ok := st.begin(SignalStart, cb, StreamOpen)
	if !ok {
		return
	}

	st.request(op, SignalStart, []byte{seidByte(st.remote.SEID)}, func(Message) {
		st.setState(StreamStreaming, nil)
		st.completeOp(Result{State: st.state, Capabilities: st.caps.Clone()})
	})
}

// Suspend suspends a streaming stream.
func (st *Stream) Suspend(cb func(Result)) {
	op, ok := st.begin(SignalSuspend, cb, StreamStreaming)
	if !ok {
		return
	}

	st.request(op, SignalSuspend, []byte{seidByte(st.remote.SEID)}, func(Message) {
		st.setState(StreamOpen, nil)
		st.completeOp(Result{State: st.state, Capabilities: st.caps.Clone()})
	})
}

// Reconfigure changes the application capabilities of an open stream.
// A streaming stream is suspended first.
func (st *Stream) Reconfigure(caps Capabilities, cb func(Result)) {
	op, ok := st.begin(SignalReconfigure, cb, StreamOpen, StreamStreaming)
	if !ok {
		return
	}

	if err := st.checkConfiguration(SignalReconfigure, caps); err != nil {
		st.completeOp(Result{State: st.state, Err: err})
		return
	}

	caps = caps.Clone()

	reconfigure := func() {
		payload := append([]byte{seidByte(st.remote.SEID)}, caps.Encode()...)

		st.request(op, SignalReconfigure, payload, func(Message) {
			st.caps = st.caps.Merge(caps)
			st.completeOp(Result{State: st.state, Capabilities: st.caps.Clone()})
		})
	}

	if st.state != StreamStreaming {
		reconfigure()
		return
	}

	st.request(op, SignalSuspend, []byte{seidByte(st.remote.SEID)}, func(Message) {
		st.setState(StreamOpen, nil)
		reconfigure()
	})
}

// DelayReport reports the playback delay of a local sink, in 1/10 milliseconds.
func (st *Stream) DelayReport(delay uint16, cb func(Result)) {
	op, ok := st.begin(SignalDelayReport, cb, StreamConfigured, StreamOpen, StreamStreaming)
	if !ok {
		return
	}

	if st.local.Type != SEPSink || !st.local.DelayReporting {
		st.completeOp(Result{State: st.state, Err: errorkinds.ErrNotSupported})
		return
	}

	payload := binary.BigEndian.AppendUint16([]byte{seidByte(st.remote.SEID)}, delay)

	st.request(op, SignalDelayReport, payload, func(Message) {
		st.delay = delay
		st.completeOp(Result{State: st.state, Capabilities: st.caps.Clone()})
	})
}

// Close closes a configured stream.
func (st *Stream) Close(cb func(Result)) {
	op, ok := st.begin(SignalClose, cb, StreamConfigured, StreamOpen, StreamStreaming)
	if !ok {
		return
	}

	prior := st.state
	op.revert = func() { st.setState(prior, nil) }
	st.setState(StreamClosing, nil)

	st.request(op, SignalClose, []byte{seidByte(st.remote.SEID)}, func(Message) {
		st.closeMedia()
		st.caps = nil
		st.setState(StreamIdle, nil)
		st.completeOp(Result{State: st.state})
		st.afterIdle()
	})
}

// Abort aborts the stream. It cancels an outstanding operation and always
// ends in the idle state, on the remote acknowledgement or after the abort
// timeout. cb may be nil.
func (st *Stream) Abort(cb func(Result)) {
	if cb == nil {
		cb = func(Result) {}
	}

	if op := st.pending; op != nil {
		if op.signal == SignalAbort {
			st.deferBusy(cb)
			return
		}

		st.cancelOp(fmt.Errorf("%s: %w", op.signal, errorkinds.ErrMethodCanceled))
	}

	if st.state == StreamIdle {
		st.m.loop.Post(func() { cb(Result{State: StreamIdle}) })
		st.afterIdle()

		return
	}

	st.beginAbort(cb)
}

// Unregister aborts the stream if needed and detaches it from its session
// and local end point.
func (st *Stream) Unregister() {
	st.unregistered = true

	if st.session == nil {
		return
	}

	if st.state == StreamIdle && st.pending == nil {
		st.detach()
		return
	}

	st.Abort(nil)
}

// begin starts an operation if the stream is free and in one of states.
// Rejections are delivered through the loop.
func (st *Stream) begin(signal SignalID, cb func(Result), states ...StreamState) (*operation, bool) {
	if cb == nil {
		cb = func(Result) {}
	}

	if st.pending != nil {
		st.deferBusy(cb)
		return nil, false
	}

	op := &operation{signal: signal, cb: cb}
	st.pending = op

	switch {
	case st.session == nil || st.session.state == SessionDisconnected:
		st.completeOp(Result{State: st.state, Err: errorkinds.ErrSessionNotExist})
		return nil, false

	case !slices.Contains(states, st.state):
		st.completeOp(Result{
			State: st.state,
			Err:   fmt.Errorf("%s in state %s: %w", signal, st.state, errorkinds.ErrStreamState),
		})

		return nil, false
	}

	return op, true
}

func (st *Stream) deferBusy(cb func(Result)) {
	st.pending.deferred = append(st.pending.deferred, func() {
		cb(Result{State: st.state, Err: errorkinds.ErrStreamBusy})
	})
}

// checkConfiguration validates caps against the local and remote end points.
func (st *Stream) checkConfiguration(signal SignalID, caps Capabilities) error {
	if err := caps.Validate(); err != nil {
		e := err.(*Error)
		e.Signal = signal

		return e
	}

	if signal == SignalReconfigure {
		for _, rec := range caps {
			if !rec.Category.Reconfigurable() {
				return rejectError(signal, rec.Category, ErrorInvalidCapabilities)
			}
		}

		if category, ok := caps.unsupportedBy(st.remote.Capabilities); ok {
			return rejectError(signal, category, ErrorBadServCategory)
		}
	}

	if category, ok := caps.unsupportedBy(st.local.Capabilities); ok {
		return rejectError(signal, category, ErrorBadServCategory)
	}

	if signal == SignalSetConfiguration {
		if !caps.Has(CategoryMediaCodec) {
			return rejectError(signal, CategoryMediaCodec, ErrorInvalidCapabilities)
		}

		if len(st.remote.Capabilities) > 0 {
			if category, ok := caps.unsupportedBy(st.remote.Capabilities); ok {
				return rejectError(signal, category, ErrorBadServCategory)
			}
		}
	}

	return nil
}

// request sends a stream command for op. Errors fail op; a timeout also
// aborts a stream that is not idle.
func (st *Stream) request(op *operation, signal SignalID, payload []byte, accepted func(Message)) {
	op.req = st.session.command(signal, payload, st.m.cfg.RequestTimeout, false, st, func(resp Message, err error) {
		if st.pending != op {
			return
		}

		op.req = nil

		if err != nil {
			timedOut := errors.Is(err, errorkinds.ErrMethodTimeout)
			if op.revert != nil && !timedOut {
				op.revert()
			}

			st.completeOp(Result{State: st.state, Err: err})

			if timedOut && st.state != StreamIdle {
				st.beginAbort(nil)
			}

			return
		}

		accepted(resp)
	})
}

// completeOp finishes the pending operation. The callback and the deferred
// rejections are delivered through the loop, in order.
func (st *Stream) completeOp(res Result) {
	op := st.pending
	if op == nil {
		return
	}

	st.pending = nil
	op.timer.Stop()

	st.m.loop.Post(func() {
		op.cb(res)

		for _, d := range op.deferred {
			d()
		}
	})
}

// cancelOp fails the pending operation with err and withdraws its command.
func (st *Stream) cancelOp(err error) {
	op := st.pending
	if op == nil {
		return
	}

	if op.req != nil {
		st.session.cancel(op.req)
		op.req = nil
	}

	if op.cancel != nil {
		op.cancel()
		op.cancel = nil
	}

	st.completeOp(Result{State: st.state, Err: err})
}

func (st *Stream) beginAbort(cb func(Result)) {
	if cb == nil {
		cb = func(Result) {}
	}

	st.stopAwaitMedia()
	st.setState(StreamAborting, nil)

	op := &operation{signal: SignalAbort, cb: cb}
	st.pending = op

	m := st.m
	op.timer = m.loop.AfterFunc(m.cfg.AbortTimeout, func() {
		if st.pending == op {
			st.session.log.V(1).Info("Abort not acknowledged, forcing idle", "seid", st.local.SEID)
		}

		st.finishAbort(op)
	})

	op.req = st.session.command(SignalAbort, []byte{seidByte(st.remote.SEID)}, m.cfg.AbortTimeout, true, st, func(Message, error) {
		op.req = nil
		st.finishAbort(op)
	})
}

// finishAbort moves an aborting stream to idle. Rejects and timeouts of
// the abort command converge the same way as an acceptance.
func (st *Stream) finishAbort(op *operation) {
	if st.pending != op {
		return
	}

	if op.req != nil {
		st.session.cancel(op.req)
		op.req = nil
	}

	st.closeMedia()
	st.caps = nil
	st.setState(StreamIdle, nil)
	st.completeOp(Result{State: StreamIdle})
	st.afterIdle()
}

// sessionLost fails the stream after its session went down.
func (st *Stream) sessionLost(reason error) {
	if op := st.pending; op != nil {
		if op.signal == SignalAbort {
			op.req = nil
			st.completeOp(Result{State: StreamIdle})
		} else {
			op.req = nil
			if op.cancel != nil {
				op.cancel()
			}

			st.completeOp(Result{State: st.state, Err: reason})
		}
	}

	st.stopAwaitMedia()

	if st.state != StreamIdle {
		if st.state != StreamAborting {
			st.setState(StreamAborting, reason)
		}

		st.closeMedia()
		st.setState(StreamIdle, reason)
	}

	st.caps = nil
	st.detach()
}

// afterIdle detaches streams that are not owned locally once they are idle,
// and lets the session check whether it is still needed.
func (st *Stream) afterIdle() {
	s := st.session
	if s == nil {
		return
	}

	if st.unregistered || st.acceptor {
		st.detach()
	}

	s.m.loop.Post(s.checkIdle)
}

func (st *Stream) detach() {
	if st.session == nil {
		return
	}

	st.session.removeStream(st)
	if st.local.stream == st {
		st.local.stream = nil
	}

	st.session = nil
}

// attachTransport adopts the media transport opened by the remote device.
func (st *Stream) attachTransport(conn Conn) {
	st.stopAwaitMedia()

	st.media = conn
	st.setState(StreamOpen, nil)
}

func (st *Stream) stopAwaitMedia() {
	if st.awaitMedia != nil {
		st.awaitMedia.Stop()
		st.awaitMedia = nil
	}
}

func (st *Stream) closeMedia() {
	if st.media != nil {
		_ = st.media.Close()
		st.media = nil
	}
}

func (st *Stream) setState(state StreamState, err error) {
	old := st.state
	if old == state {
		return
	}

	s := st.session
	if !validTransition(old, state) && s != nil {
		s.log.Error(errorkinds.ErrStreamState, "Unexpected stream transition", "old", old.String(), "new", state.String())
	}

	st.state = state

	change := StateChange{Stream: st, Old: old, New: state, Err: err}
	for _, o := range slices.Clone(st.observers) {
		o.fn(change)
	}

	if s == nil {
		return
	}

	data := bluetooth.StreamEventData{
		Adapter:    s.local,
		Device:     s.remote,
		LocalSEID:  st.local.SEID,
		RemoteSEID: st.remote.SEID,
		OldState:   old.String(),
		NewState:   state.String(),
	}
	if err != nil {
		data.Error = err.Error()
	}

	bluetooth.StreamEvents(s.m.bus).PublishUpdated(data)
}
