package avdtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/go-logr/logr"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/internal/loop"
)

// SessionState is the connection state of a signaling session.
type SessionState uint8

// The session states.
const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"

	case SessionConnected:
		return "connected"
	}

	return "disconnected"
}

// request is one signaling command, queued or outstanding.
type request struct {
	msg     Message
	timeout time.Duration
	timer   *loop.Timer

	// stream is set for stream commands. When the session is torn down
	// the stream fails its own operation, so done is not called.
	stream *Stream

	done     func(resp Message, err error)
	finished bool
}

// Session is the signaling session between a local adapter and a remote device.
type Session struct {
	m   *Manager
	log logr.Logger

	local, remote bluetooth.MacAddress

	state          SessionState
	refs           int
	autoDisconnect bool

	conn          Conn
	connectCancel context.CancelFunc
	connectTimer  *loop.Timer
	reasm         reassembler

	label         uint8
	outstanding   *request
	queue         []*request
	pumpScheduled bool

	streams    []*Stream
	remoteSEPs []RemoteSEP

	idle *loop.Timer
}

func newSession(m *Manager, local, remote bluetooth.MacAddress) *Session {
	return &Session{
		m:              m,
		log:            m.log.WithValues("local", local.String(), "remote", remote.String()),
		local:          local,
		remote:         remote,
		autoDisconnect: m.cfg.AutoDisconnect,
	}
}

// Local returns the local adapter address.
func (s *Session) Local() bluetooth.MacAddress {
	return s.local
}

// Remote returns the remote device address.
func (s *Session) Remote() bluetooth.MacAddress {
	return s.remote
}

// State returns the connection state.
func (s *Session) State() SessionState {
	return s.state
}

// Refs returns the number of references held on the session.
func (s *Session) Refs() int {
	return s.refs
}

// AutoDisconnect reports whether the session is torn down once unused.
func (s *Session) AutoDisconnect() bool {
	return s.autoDisconnect
}

// SetAutoDisconnect sets the auto-disconnect policy.
func (s *Session) SetAutoDisconnect(enable bool) {
	s.autoDisconnect = enable
	if !enable {
		s.cancelIdle()
		return
	}

	s.checkIdle()
}

// Streams returns the streams bound to the session.
func (s *Session) Streams() []*Stream {
	return slices.Clone(s.streams)
}

// RemoteSEPs returns the end points found by the last discover.
func (s *Session) RemoteSEPs() []RemoteSEP {
	return slices.Clone(s.remoteSEPs)
}

// Disconnect tears the session down, regardless of its references.
func (s *Session) Disconnect() {
	s.teardown(errorkinds.ErrSessionStop)
}

// Discover asks the remote device for its stream end points.
func (s *Session) Discover(cb func([]RemoteSEP, error)) {
	s.command(SignalDiscover, nil, s.m.cfg.RequestTimeout, false, nil, func(resp Message, err error) {
		if err != nil {
			s.m.loop.Post(func() { cb(nil, err) })
			return
		}

		seps, err := decodeDiscover(resp.Payload)
		if err == nil {
			s.remoteSEPs = seps
		}

		seps = slices.Clone(seps)
		s.m.loop.Post(func() { cb(seps, err) })
	})
}

// GetCapabilities asks for the capabilities of a remote end point.
// Categories introduced after the first protocol revision are not reported.
func (s *Session) GetCapabilities(seid uint8, cb func(Capabilities, error)) {
	s.getCapabilities(SignalGetCapabilities, seid, cb)
}

// GetAllCapabilities asks for every capability of a remote end point.
func (s *Session) GetAllCapabilities(seid uint8, cb func(Capabilities, error)) {
	s.getCapabilities(SignalGetAllCapabilities, seid, cb)
}

func (s *Session) getCapabilities(signal SignalID, seid uint8, cb func(Capabilities, error)) {
	s.command(signal, []byte{seidByte(seid)}, s.m.cfg.RequestTimeout, false, nil, func(resp Message, err error) {
		var caps Capabilities

		if err == nil {
			caps, err = DecodeCapabilities(resp.Payload)
			if e, ok := err.(*Error); ok {
				e.Signal = signal
			}
		}

		if err == nil {
			for i := range s.remoteSEPs {
				if s.remoteSEPs[i].SEID == seid {
					s.remoteSEPs[i].Capabilities = caps.Clone()
				}
			}
		}

		s.m.loop.Post(func() { cb(caps, err) })
	})
}

// CreateStream binds a new idle stream between a local and a remote end point.
func (s *Session) CreateStream(local *LocalSEP, remote RemoteSEP) (*Stream, error) {
	if s.state == SessionDisconnected {
		return nil, errorkinds.ErrSessionNotExist
	}

	if local == nil {
		return nil, errorkinds.ErrSEPNotFound
	}

	if sep, ok := s.m.localSEP(local.SEID); !ok || sep != local {
		return nil, errorkinds.ErrSEPNotFound
	}

	if local.InUse() {
		return nil, errorkinds.ErrSEPInUse
	}

	if remote.SEID == 0 || remote.SEID > maxSEID {
		return nil, fmt.Errorf("remote seid %d: %w", remote.SEID, errorkinds.ErrInvalidParameters)
	}

	st := newStream(s, local, remote, false)
	s.cancelIdle()

	return st, nil
}

func (s *Session) connect() {
	s.state = SessionConnecting

	ctx, cancel := context.WithTimeout(s.m.ctx, s.m.cfg.RequestTimeout)
	s.connectCancel = cancel

	// The timer also covers transports that do not watch ctx.
	s.connectTimer = s.m.loop.AfterFunc(s.m.cfg.RequestTimeout, func() {
		s.connected(nil, context.DeadlineExceeded)
	})

	s.log.V(1).Info("Connecting signaling channel")

	go func() {
		conn, err := s.m.transport.Connect(ctx, s.local, s.remote)
		if !s.m.loop.Post(func() { s.connected(conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) connected(conn Conn, err error) {
	if s.state != SessionConnecting {
		if conn != nil {
			_ = conn.Close()
		}

		return
	}

	s.stopConnect()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errorkinds.ErrMethodTimeout, err)
		}

		s.teardown(fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrConnectionFailed, err),
			fctx.With(context.Background(),
				"error_at", "avdtp-session-connect",
				"address", s.remote.String(),
			),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect the signaling channel"),
		))

		return
	}

	s.attach(conn)
}

func (s *Session) stopConnect() {
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}

	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) attach(conn Conn) {
	s.conn = conn
	s.state = SessionConnected
	s.log.V(1).Info("Signaling channel connected")

	go s.readLoop(conn)

	s.schedulePump()
}

func (s *Session) readLoop(conn Conn) {
	buf := make([]byte, max(s.m.cfg.SignalMTU, 1024))

	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.m.loop.Post(func() { s.readFailed(conn, err) })
			return
		}

		pkt := bytes.Clone(buf[:n])
		if !s.m.loop.Post(func() { s.receive(conn, pkt) }) {
			return
		}
	}
}

func (s *Session) readFailed(conn Conn, err error) {
	if s.conn != conn {
		return
	}

	s.teardown(fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrTransportClosed, err),
		fctx.With(context.Background(),
			"error_at", "avdtp-session-read",
			"address", s.remote.String(),
		),
		ftag.With(ftag.Internal),
		fmsg.With("Signaling channel closed"),
	))
}

func (s *Session) receive(conn Conn, pkt []byte) {
	if s.conn != conn {
		return
	}

	msg, ok, err := s.reasm.feed(pkt)
	if err != nil {
		s.log.V(1).Info("Dropping signaling packet", "error", err.Error())
		return
	}

	if !ok {
		return
	}

	if msg.Type == MessageCommand {
		s.handleCommand(msg)
		return
	}

	s.handleResponse(msg)
}

func (s *Session) handleResponse(msg Message) {
	req := s.outstanding
	if req == nil || req.msg.Label != msg.Label || req.msg.Signal != msg.Signal {
		s.log.V(1).Info("Dropping unmatched response", "signal", msg.Signal.String(), "label", msg.Label)
		return
	}

	req.timer.Stop()
	req.finished = true
	s.outstanding = nil

	var err error

	switch msg.Type {
	case MessageReject:
		err = parseReject(msg)

	case MessageGeneralReject:
		err = rejectError(msg.Signal, 0, ErrorNotSupportedCommand)
	}

	req.done(msg, err)
	s.schedulePump()
}

// parseReject decodes the error carried by a reject response.
func parseReject(msg Message) error {
	p := msg.Payload

	switch msg.Signal {
	case SignalSetConfiguration, SignalReconfigure:
		if len(p) >= 2 {
			return rejectError(msg.Signal, Category(p[0]), ErrorCode(p[1]))
		}

	case SignalStart, SignalSuspend:
		if len(p) >= 2 {
			return rejectError(msg.Signal, 0, ErrorCode(p[1]))
		}

	default:
		if len(p) >= 1 {
			return rejectError(msg.Signal, 0, ErrorCode(p[0]))
		}
	}

	return fmt.Errorf("%s reject of %d bytes: %w", msg.Signal, len(p), errorkinds.ErrInvalidPDU)
}

// command queues a signaling command. Urgent commands go ahead of the queue.
func (s *Session) command(signal SignalID, payload []byte, timeout time.Duration, urgent bool, st *Stream, done func(Message, error)) *request {
	req := &request{
		msg:     Message{Type: MessageCommand, Signal: signal, Payload: payload},
		timeout: timeout,
		stream:  st,
		done:    done,
	}

	if s.state == SessionDisconnected {
		req.finished = true
		s.m.loop.Post(func() { done(Message{}, errorkinds.ErrSessionNotExist) })

		return req
	}

	if urgent {
		s.queue = slices.Insert(s.queue, 0, req)
	} else {
		s.queue = append(s.queue, req)
	}

	s.schedulePump()

	return req
}

// cancel drops a request without completing it. An outstanding request
// frees the session for the next command; a late response is dropped.
func (s *Session) cancel(req *request) {
	if req == nil || req.finished {
		return
	}

	req.finished = true
	req.timer.Stop()

	if s.outstanding == req {
		s.outstanding = nil
		s.schedulePump()

		return
	}

	s.queue = slices.DeleteFunc(s.queue, func(r *request) bool { return r == req })
}

func (s *Session) schedulePump() {
	if s.pumpScheduled {
		return
	}

	s.pumpScheduled = true
	s.m.loop.Post(func() {
		s.pumpScheduled = false
		s.pump()
	})
}

func (s *Session) pump() {
	if s.state != SessionConnected || s.outstanding != nil || len(s.queue) == 0 {
		return
	}

	req := s.queue[0]
	s.queue = s.queue[1:]

	req.msg.Label = s.label
	s.label = (s.label + 1) & 0x0f

	s.outstanding = req
	req.timer = s.m.loop.AfterFunc(req.timeout, func() { s.expire(req) })

	if err := s.send(req.msg); err != nil {
		s.teardown(err)
	}
}

func (s *Session) expire(req *request) {
	if s.outstanding != req {
		return
	}

	s.outstanding = nil
	req.finished = true

	s.log.V(1).Info("Signaling command timed out", "signal", req.msg.Signal.String())

	req.done(Message{}, fmt.Errorf("%s: %w", req.msg.Signal, errorkinds.ErrMethodTimeout))
	s.schedulePump()
}

func (s *Session) send(msg Message) error {
	if s.conn == nil {
		return errorkinds.ErrSessionNotReady
	}

	for _, pkt := range msg.Fragment(s.m.cfg.SignalMTU) {
		if _, err := s.conn.Write(pkt); err != nil {
			return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrTransportClosed, err),
				fctx.With(context.Background(),
					"error_at", "avdtp-session-write",
					"address", s.remote.String(),
					"signal", msg.Signal.String(),
				),
				ftag.With(ftag.Internal),
				fmsg.With("Cannot write to the signaling channel"),
			)
		}
	}

	return nil
}

// teardown closes the session and fails everything bound to it with reason.
func (s *Session) teardown(reason error) {
	if s.state == SessionDisconnected && s.conn == nil && s.connectCancel == nil {
		s.m.removeSession(s)
		return
	}

	s.log.V(1).Info("Tearing down session", "state", s.state.String(), "reason", reason.Error())

	s.cancelIdle()
	s.stopConnect()

	s.state = SessionDisconnected
	s.m.removeSession(s)

	var pending []*request
	if s.outstanding != nil {
		pending = append(pending, s.outstanding)
	}
	pending = append(pending, s.queue...)
	s.outstanding, s.queue = nil, nil

	for _, req := range pending {
		if req.finished {
			continue
		}

		req.finished = true
		req.timer.Stop()

		if req.stream == nil {
			req.done(Message{}, reason)
		}
	}

	for _, st := range slices.Clone(s.streams) {
		st.sessionLost(reason)
	}
	s.streams = nil

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	s.reasm.reset()
}

func (s *Session) hasActiveStreams() bool {
	for _, st := range s.streams {
		if st.state != StreamIdle || st.pending != nil {
			return true
		}
	}

	return false
}

// checkIdle starts the disconnect timer once the session is unused.
func (s *Session) checkIdle() {
	s.checkIdleAfter(s.m.cfg.DisconnectDelay)
}

func (s *Session) checkIdleAfter(delay time.Duration) {
	if s.state == SessionDisconnected || !s.autoDisconnect || s.refs > 0 || s.hasActiveStreams() {
		return
	}

	if delay == 0 {
		s.teardown(errorkinds.ErrSessionStop)
		return
	}

	if s.idle != nil {
		return
	}

	s.idle = s.m.loop.AfterFunc(delay, func() {
		s.idle = nil

		if s.state == SessionDisconnected || s.refs > 0 || s.hasActiveStreams() {
			return
		}

		s.teardown(errorkinds.ErrSessionStop)
	})
}

func (s *Session) cancelIdle() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// awaitingTransport returns a stream that waits for the remote device to
// open its media transport.
func (s *Session) awaitingTransport() *Stream {
	for _, st := range s.streams {
		if st.awaitMedia != nil {
			return st
		}
	}

	return nil
}

func (s *Session) removeStream(st *Stream) {
	s.streams = slices.DeleteFunc(s.streams, func(v *Stream) bool { return v == st })
}
