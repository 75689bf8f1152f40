package avdtp

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/eventbus"
	"github.com/darkhz/bluestream/internal/loop"
)

// Options holds the collaborators of a Manager.
type Options struct {
	Loop      *loop.Loop
	Transport Transport
	Config    config.Configuration
	Log       logr.Logger
	Bus       *eventbus.Bus
}

type sessionKey struct {
	local, remote bluetooth.MacAddress
}

// Manager owns the signaling sessions and the local stream end points.
type Manager struct {
	loop      *loop.Loop
	transport Transport
	cfg       config.Configuration
	log       logr.Logger
	bus       *eventbus.Bus

	sessions map[sessionKey]*Session
	seps     [maxSEID]*LocalSEP

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager returns a new session manager.
func NewManager(opts Options) *Manager {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		loop:      opts.Loop,
		transport: opts.Transport,
		cfg:       opts.Config,
		log:       log.WithName("avdtp"),
		bus:       opts.Bus,
		sessions:  make(map[sessionKey]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterSEP registers a local stream end point and assigns it a SEID.
func (m *Manager) RegisterSEP(cfg SEPConfig) (*LocalSEP, error) {
	for i, sep := range m.seps {
		if sep != nil {
			continue
		}

		sep, err := newLocalSEP(uint8(i+1), cfg)
		if err != nil {
			return nil, err
		}

		m.seps[i] = sep
		m.log.V(1).Info("Registered stream end point", "seid", sep.SEID, "type", sep.Type.String(), "media", sep.MediaType.String())

		return sep, nil
	}

	return nil, errorkinds.ErrSEPTableFull
}

// UnregisterSEP removes a local stream end point. It fails while a stream
// is bound to it.
func (m *Manager) UnregisterSEP(sep *LocalSEP) error {
	if sep == nil || sep.SEID == 0 || sep.SEID > maxSEID || m.seps[sep.SEID-1] != sep {
		return errorkinds.ErrSEPNotFound
	}

	if sep.InUse() {
		return errorkinds.ErrSEPInUse
	}

	m.seps[sep.SEID-1] = nil

	return nil
}

// LocalSEPs returns the registered end points in SEID order.
func (m *Manager) LocalSEPs() []*LocalSEP {
	seps := make([]*LocalSEP, 0, len(m.seps))
	for _, sep := range m.seps {
		if sep != nil {
			seps = append(seps, sep)
		}
	}

	return seps
}

func (m *Manager) localSEP(seid uint8) (*LocalSEP, bool) {
	if seid == 0 || seid > maxSEID || m.seps[seid-1] == nil {
		return nil, false
	}

	return m.seps[seid-1], true
}

// GetOrCreateSession returns the session for the address pair and takes a
// reference on it. A new session starts connecting immediately; callers for
// the same pair share the single connection attempt.
func (m *Manager) GetOrCreateSession(local, remote bluetooth.MacAddress) *Session {
	key := sessionKey{local, remote}

	if s, ok := m.sessions[key]; ok {
		s.refs++
		s.cancelIdle()

		return s
	}

	s := newSession(m, local, remote)
	s.refs = 1
	m.sessions[key] = s

	s.connect()

	return s
}

// Release drops a reference taken by GetOrCreateSession.
func (m *Manager) Release(s *Session) {
	if s == nil || s.refs == 0 {
		return
	}

	s.refs--
	s.checkIdle()
}

// Session returns the session of the address pair, if any.
func (m *Manager) Session(local, remote bluetooth.MacAddress) (*Session, bool) {
	s, ok := m.sessions[sessionKey{local, remote}]

	return s, ok
}

// Sessions returns every live session.
func (m *Manager) Sessions() []*Session {
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	return sessions
}

// HandleIncoming accepts a channel opened by a remote device. It becomes the
// media transport of a stream that waits for one, or else the signaling
// channel of a new session in the acceptor role.
func (m *Manager) HandleIncoming(local, remote bluetooth.MacAddress, conn Conn) {
	if s, ok := m.sessions[sessionKey{local, remote}]; ok {
		if st := s.awaitingTransport(); st != nil {
			st.attachTransport(conn)
			return
		}

		m.log.V(1).Info("Closing unexpected channel", "remote", remote.String(), "state", s.state.String())
		_ = conn.Close()

		return
	}

	s := newSession(m, local, remote)
	m.sessions[sessionKey{local, remote}] = s

	s.attach(conn)

	// Leave the remote device time to configure a stream.
	s.checkIdleAfter(max(m.cfg.DisconnectDelay, m.cfg.RequestTimeout))
}

// DeviceDisconnected tears down the session of a device whose
// link went away.
func (m *Manager) DeviceDisconnected(local, remote bluetooth.MacAddress) {
	if s, ok := m.sessions[sessionKey{local, remote}]; ok {
		s.teardown(fmt.Errorf("device %s disconnected: %w", remote.String(), errorkinds.ErrTransportClosed))
	}
}

// AdapterDown tears down every session of an adapter that was powered off or removed.
func (m *Manager) AdapterDown(local bluetooth.MacAddress, reason error) {
	for key, s := range m.sessions {
		if key.local == local {
			s.teardown(reason)
		}
	}
}

// Close tears down every session.
func (m *Manager) Close() {
	for _, s := range m.sessions {
		s.teardown(errorkinds.ErrSessionStop)
	}

	m.cancel()
}

func (m *Manager) removeSession(s *Session) {
	key := sessionKey{s.local, s.remote}
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
}
