package avdtp

import (
	"encoding/binary"
	"fmt"

	"github.com/darkhz/bluestream/api/errorkinds"
)

var (
	errRemoteClosed  = fmt.Errorf("closed by the remote device: %w", errorkinds.ErrMethodCanceled)
	errRemoteAborted = fmt.Errorf("aborted by the remote device: %w", errorkinds.ErrMethodCanceled)
)

// handleCommand answers a command sent by the remote device.
func (s *Session) handleCommand(cmd Message) {
	s.log.V(1).Info("Received command", "signal", cmd.Signal.String(), "label", cmd.Label)

	switch cmd.Signal {
	case SignalDiscover:
		s.onDiscover(cmd)

	case SignalGetCapabilities, SignalGetAllCapabilities:
		s.onGetCapabilities(cmd)

	case SignalSetConfiguration:
		s.onSetConfiguration(cmd)

	case SignalGetConfiguration:
		s.onGetConfiguration(cmd)

	case SignalReconfigure:
		s.onReconfigure(cmd)

	case SignalOpen:
		s.onOpen(cmd)

	case SignalStart:
		s.onStart(cmd)

	case SignalSuspend:
		s.onSuspend(cmd)

	case SignalClose:
		s.onClose(cmd)

	case SignalAbort:
		s.onAbort(cmd)

	case SignalDelayReport:
		s.onDelayReport(cmd)

	case SignalSecurityControl:
		s.reject(cmd, ErrorNotSupportedCommand)

	default:
		s.respond(cmd, MessageGeneralReject, nil)
	}
}

func (s *Session) respond(cmd Message, msgType MessageType, payload []byte) {
	resp := Message{Label: cmd.Label, Type: msgType, Signal: cmd.Signal, Payload: payload}

	if err := s.send(resp); err != nil {
		s.teardown(err)
	}
}

func (s *Session) accept(cmd Message, payload []byte) {
	s.respond(cmd, MessageAccept, payload)
}

// reject sends a reject in the layout the signal uses.
func (s *Session) reject(cmd Message, code ErrorCode) {
	s.rejectCategory(cmd, 0, code)
}

func (s *Session) rejectCategory(cmd Message, category Category, code ErrorCode) {
	var payload []byte

	switch cmd.Signal {
	case SignalSetConfiguration, SignalReconfigure:
		payload = []byte{byte(category), byte(code)}

	case SignalStart, SignalSuspend:
		var seid byte
		if len(cmd.Payload) > 0 {
			seid = cmd.Payload[0]
		}

		payload = []byte{seid, byte(code)}

	default:
		payload = []byte{byte(code)}
	}

	s.respond(cmd, MessageReject, payload)
}

// commandStream resolves the stream addressed by the first payload byte.
func (s *Session) commandStream(cmd Message) (*Stream, bool) {
	if len(cmd.Payload) < 1 {
		s.reject(cmd, ErrorBadLength)
		return nil, false
	}

	sep, ok := s.m.localSEP(parseSEID(cmd.Payload[0]))
	if !ok {
		s.reject(cmd, ErrorBadACPSEID)
		return nil, false
	}

	st := sep.stream
	if st == nil || st.session != s {
		s.reject(cmd, ErrorSEPNotInUse)
		return nil, false
	}

	return st, true
}

func (s *Session) onDiscover(cmd Message) {
	seps := s.m.LocalSEPs()

	payload := make([]byte, 0, 2*len(seps))
	for _, sep := range seps {
		entry := sep.discoverEntry()
		payload = append(payload, entry[:]...)
	}

	s.accept(cmd, payload)
}

func (s *Session) onGetCapabilities(cmd Message) {
	if len(cmd.Payload) < 1 {
		s.reject(cmd, ErrorBadLength)
		return
	}

	sep, ok := s.m.localSEP(parseSEID(cmd.Payload[0]))
	if !ok {
		s.reject(cmd, ErrorBadACPSEID)
		return
	}

	caps := sep.Capabilities
	if cmd.Signal == SignalGetCapabilities {
		// Delay reporting is only advertised through get_all_capabilities.
		filtered := make(Capabilities, 0, len(caps))
		for _, rec := range caps {
			if rec.Category != CategoryDelayReporting {
				filtered = append(filtered, rec)
			}
		}

		caps = filtered
	}

	s.accept(cmd, caps.Encode())
}

func (s *Session) onSetConfiguration(cmd Message) {
	if len(cmd.Payload) < 2 {
		s.reject(cmd, ErrorBadLength)
		return
	}

	sep, ok := s.m.localSEP(parseSEID(cmd.Payload[0]))
	if !ok {
		s.reject(cmd, ErrorBadACPSEID)
		return
	}

	if sep.InUse() {
		s.reject(cmd, ErrorSEPInUse)
		return
	}

	caps, err := DecodeCapabilities(cmd.Payload[2:])
	if err == nil {
		err = caps.Validate()
	}

	if err != nil {
		e := err.(*Error)
		s.rejectCategory(cmd, e.Category, e.Code)

		return
	}

	if category, ok := caps.unsupportedBy(sep.Capabilities); ok {
		s.rejectCategory(cmd, category, ErrorBadServCategory)
		return
	}

	codec, ok := caps.Get(CategoryMediaCodec)
	if !ok {
		s.rejectCategory(cmd, CategoryMediaCodec, ErrorInvalidCapabilities)
		return
	}

	if codec.MediaType() != sep.MediaType || codec.CodecType() != sep.CodecType {
		s.rejectCategory(cmd, CategoryMediaCodec, ErrorUnsupportedConfiguration)
		return
	}

	remote := RemoteSEP{
		SEID:      parseSEID(cmd.Payload[1]),
		InUse:     true,
		Type:      1 - sep.Type,
		MediaType: sep.MediaType,
	}

	st := newStream(s, sep, remote, true)
	st.caps = caps
	s.cancelIdle()

	s.accept(cmd, nil)
	st.setState(StreamConfigured, nil)
}

func (s *Session) onGetConfiguration(cmd Message) {
	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if !st.state.configured() {
		s.reject(cmd, ErrorBadState)
		return
	}

	s.accept(cmd, st.caps.Encode())
}

func (s *Session) onReconfigure(cmd Message) {
	if len(cmd.Payload) < 1 {
		s.reject(cmd, ErrorBadLength)
		return
	}

	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if st.state != StreamOpen {
		s.reject(cmd, ErrorBadState)
		return
	}

	caps, err := DecodeCapabilities(cmd.Payload[1:])
	if err == nil {
		err = caps.Validate()
	}

	if err != nil {
		e := err.(*Error)
		s.rejectCategory(cmd, e.Category, e.Code)

		return
	}

	for _, rec := range caps {
		if !rec.Category.Reconfigurable() {
			s.rejectCategory(cmd, rec.Category, ErrorInvalidCapabilities)
			return
		}
	}

	if category, ok := caps.unsupportedBy(st.local.Capabilities); ok {
		s.rejectCategory(cmd, category, ErrorBadServCategory)
		return
	}

	st.caps = st.caps.Merge(caps)
	s.accept(cmd, nil)
}

func (s *Session) onOpen(cmd Message) {
	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if st.state != StreamConfigured || st.awaitMedia != nil {
		s.reject(cmd, ErrorBadState)
		return
	}

	s.accept(cmd, nil)

	st.awaitMedia = s.m.loop.AfterFunc(s.m.cfg.RequestTimeout, func() {
		st.awaitMedia = nil
		s.log.V(1).Info("Media transport was not opened", "seid", st.local.SEID)

		if st.pending == nil && st.state == StreamConfigured {
			st.beginAbort(nil)
		}
	})
}

func (s *Session) onStart(cmd Message) {
	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if st.state != StreamOpen {
		s.reject(cmd, ErrorBadState)
		return
	}

	s.accept(cmd, nil)
	st.setState(StreamStreaming, nil)
}

func (s *Session) onSuspend(cmd Message) {
	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if st.state != StreamStreaming {
		s.reject(cmd, ErrorBadState)
		return
	}

	s.accept(cmd, nil)
	st.setState(StreamOpen, nil)
}

func (s *Session) onClose(cmd Message) {
	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if !st.state.configured() {
		s.reject(cmd, ErrorBadState)
		return
	}

	st.cancelOp(errRemoteClosed)
	st.stopAwaitMedia()

	s.accept(cmd, nil)

	st.setState(StreamClosing, nil)
	st.closeMedia()
	st.caps = nil
	st.setState(StreamIdle, nil)
	st.afterIdle()
}

func (s *Session) onAbort(cmd Message) {
	if len(cmd.Payload) < 1 {
		return
	}

	sep, ok := s.m.localSEP(parseSEID(cmd.Payload[0]))
	if !ok || sep.stream == nil || sep.stream.session != s {
		// Aborts are never rejected; unknown end points get no answer.
		return
	}

	st := sep.stream
	s.accept(cmd, nil)

	if op := st.pending; op != nil && op.signal == SignalAbort {
		st.finishAbort(op)
		return
	}

	st.cancelOp(errRemoteAborted)
	st.stopAwaitMedia()

	if st.state == StreamIdle {
		return
	}

	if st.state != StreamAborting {
		st.setState(StreamAborting, nil)
	}

	st.closeMedia()
	st.caps = nil
	st.setState(StreamIdle, nil)
	st.afterIdle()
}

func (s *Session) onDelayReport(cmd Message) {
	if len(cmd.Payload) < 3 {
		s.reject(cmd, ErrorBadLength)
		return
	}

	st, ok := s.commandStream(cmd)
	if !ok {
		return
	}

	if !st.state.configured() {
		s.reject(cmd, ErrorBadState)
		return
	}

	st.delay = binary.BigEndian.Uint16(cmd.Payload[1:3])
	s.accept(cmd, nil)
}
