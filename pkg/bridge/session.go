// Package bridge relays one client WebSocket to one upstream WebSocket whose
// address is chosen by the first client message.
//
// Each Session is an explicit state machine (Idle -> Connecting -> Open ->
// Closed) driven by a single event loop goroutine that owns every piece of
// session state. Reader goroutines and the dial goroutine only post events,
// and only the loop writes to either connection.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/avatar-relay/internal/obs"
	"github.com/sessamekesh/avatar-relay/pkg/message/control"
	"go.uber.org/zap"
)

type SessionState int32

const (
	SessionState_Idle SessionState = iota
	SessionState_Connecting
	SessionState_Open
	SessionState_Closed
)

func (s SessionState) String() string {
	switch s {
	case SessionState_Idle:
		return "Idle"
	case SessionState_Connecting:
		return "Connecting"
	case SessionState_Open:
		return "Open"
	case SessionState_Closed:
		return "Closed"
	}
	return "Unknown"
}

type SessionParams struct {
	// Used when the first message carries no routing directive
	DefaultTarget string
	// Bearer credential used when no access_token is supplied
	DefaultToken string

	Logger *zap.Logger

	// Optional hooks, invoked on the event loop goroutine
	OnTargetSelected func(target string)
	OnClientFrame    func()
	OnRemoteFrame    func()

	EventQueueLength int
}

type eventKind uint8

const (
	eventKind_ClientFrame eventKind = iota
	eventKind_ClientEnded
	eventKind_RemoteOpened
	eventKind_RemoteDialFailed
	eventKind_RemoteFrame
	eventKind_RemoteEnded
	eventKind_Abort
)

type sessionEvent struct {
	kind  eventKind
	frame Frame
	conn  Conn
	err   error
}

type Session struct {
	client Conn
	dialer Dialer
	params SessionParams
	log    *zap.Logger

	state  atomic.Int32
	events chan sessionEvent
	done   chan struct{}

	// Owned by the event loop
	remote     Conn
	pending    []Frame
	dialing    bool
	clientDone bool
	remoteDone bool
	cause      error

	// Shared with Abort, which runs on any goroutine and must not wait for
	// the loop: the loop may be stuck writing to a peer that stopped reading.
	abortMut   sync.Mutex
	aborted    bool
	liveRemote Conn
	cancelDial context.CancelFunc
}

func NewSession(client Conn, dialer Dialer, params SessionParams) *Session {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	queueLength := params.EventQueueLength
	if queueLength <= 0 {
		queueLength = 64
	}

	return &Session{
		client: client,
		dialer: dialer,
		params: params,
		log:    logger,
		events: make(chan sessionEvent, queueLength),
		done:   make(chan struct{}),
	}
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	prev := SessionState(s.state.Swap(int32(state)))
	if prev != state {
		s.log.Debug("Bridge session state change", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

// Abort force-terminates both sides. Safe to call from any goroutine, any
// number of times, including before Run starts or after it has returned.
// It never blocks on the event loop.
func (s *Session) Abort() {
	s.abortMut.Lock()
	s.aborted = true
	remote := s.liveRemote
	cancelDial := s.cancelDial
	s.abortMut.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	// Close is safe concurrently with a pending write and unblocks it
	_ = terminate(s.client)
	if remote != nil {
		_ = terminate(remote)
	}

	select {
	case s.events <- sessionEvent{kind: eventKind_Abort}:
	case <-s.done:
	default:
		// Queue full; the loop notices the flag on its next event
	}
}

func (s *Session) abortRequested() bool {
	s.abortMut.Lock()
	defer s.abortMut.Unlock()
	return s.aborted
}

// publishRemote makes conn reachable from Abort. Reports false if the session
// was aborted first, in which case the caller owns closing conn.
func (s *Session) publishRemote(conn Conn) bool {
	s.abortMut.Lock()
	defer s.abortMut.Unlock()
	if s.aborted {
		return false
	}
	s.liveRemote = conn
	return true
}

func (s *Session) post(ev sessionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Run relays until both sides are closed. The returned error describes why
// the session ended abnormally (for example an upstream dial failure) and is
// nil for ordinary closes.
func (s *Session) Run(ctx context.Context) error {
	dialCtx, cancelDial := context.WithCancel(ctx)
	s.abortMut.Lock()
	s.cancelDial = cancelDial
	s.abortMut.Unlock()
	defer cancelDial()
	defer close(s.done)

	start := time.Now()
	defer func() {
		obs.BridgeSessionSeconds.Observe(time.Since(start).Seconds())
	}()

	go s.readLoop(s.client, eventKind_ClientFrame, eventKind_ClientEnded)

	// Watched outside the loop, which may be blocked in a write
	go func() {
		select {
		case <-ctx.Done():
			s.Abort()
		case <-s.done:
		}
	}()

	for !s.finished() {
		s.handle(dialCtx, <-s.events)
	}

	s.log.Info("Bridge session finished", zap.Error(s.cause))
	return s.cause
}

func (s *Session) finished() bool {
	return s.clientDone && !s.dialing && (s.remote == nil || s.remoteDone)
}

func (s *Session) readLoop(c Conn, frameKind, endKind eventKind) {
	for {
		msgType, payload, err := c.ReadMessage()
		if err != nil {
			s.post(sessionEvent{kind: endKind, err: err})
			return
		}
		if !s.post(sessionEvent{kind: frameKind, frame: Frame{MessageType: msgType, Data: payload}}) {
			return
		}
	}
}

func (s *Session) handle(dialCtx context.Context, ev sessionEvent) {
	if ev.kind != eventKind_Abort && s.State() != SessionState_Closed && s.abortRequested() {
		s.onAbort()
	}

	switch ev.kind {
	case eventKind_ClientFrame:
		s.onClientFrame(dialCtx, ev.frame)
	case eventKind_ClientEnded:
		s.onClientEnded(ev.err)
	case eventKind_RemoteOpened:
		s.onRemoteOpened(ev.conn)
	case eventKind_RemoteDialFailed:
		s.onRemoteDialFailed(ev.err)
	case eventKind_RemoteFrame:
		s.onRemoteFrame(ev.frame)
	case eventKind_RemoteEnded:
		s.onRemoteEnded(ev.err)
	case eventKind_Abort:
		s.onAbort()
	}
}

func (s *Session) onClientFrame(dialCtx context.Context, frame Frame) {
	if s.params.OnClientFrame != nil {
		s.params.OnClientFrame()
	}

	switch s.State() {
	case SessionState_Idle:
		msg := control.Parse(frame.Data)
		if msg.MessageType == control.ClientMessageType_Control {
			token := msg.Connect.AccessToken
			if token == "" {
				token = s.params.DefaultToken
			}
			s.startDial(dialCtx, msg.Connect.Target, token, "control")
			// consumed, never forwarded
			return
		}
		s.startDial(dialCtx, s.params.DefaultTarget, s.params.DefaultToken, "default")
		s.pending = append(s.pending, frame)
	case SessionState_Connecting:
		s.pending = append(s.pending, frame)
	case SessionState_Open:
		// Routing is decided once; later frames are never re-parsed
		s.forwardToRemote(frame)
	case SessionState_Closed:
		s.log.Debug("Dropping client frame on closed session", zap.Int("size", len(frame.Data)))
	}
}

func (s *Session) startDial(dialCtx context.Context, target, token, route string) {
	s.setState(SessionState_Connecting)
	s.dialing = true
	s.log = s.log.With(zap.String("target", target), zap.String("route", route))
	s.log.Info("Opening remote WebSocket")
	if s.params.OnTargetSelected != nil {
		s.params.OnTargetSelected(target)
	}

	go func() {
		conn, err := s.dialer.Dial(dialCtx, target, token)
		if err != nil {
			obs.BridgeRemoteDialsTotal.WithLabelValues(route, "error").Inc()
			s.post(sessionEvent{kind: eventKind_RemoteDialFailed, err: err})
			return
		}
		obs.BridgeRemoteDialsTotal.WithLabelValues(route, "ok").Inc()
		if !s.post(sessionEvent{kind: eventKind_RemoteOpened, conn: conn}) {
			_ = terminate(conn)
		}
	}()
}

func (s *Session) onRemoteOpened(conn Conn) {
	s.dialing = false

	if s.State() == SessionState_Closed {
		s.log.Info("Remote WebSocket opened after client left, closing it")
		_ = gracefulClose(conn, websocket.CloseNormalClosure, "")
		return
	}

	if !s.publishRemote(conn) {
		s.log.Info("Remote WebSocket opened after abort, closing it")
		_ = terminate(conn)
		return
	}

	s.remote = conn
	s.setState(SessionState_Open)
	s.log.Info("Remote WebSocket connected", zap.Int("bufferedFrames", len(s.pending)))
	obs.BridgeBufferedFrames.Observe(float64(len(s.pending)))

	// Reader first: a failed flush terminates the remote and the reader
	// reports it, which lets the loop finish.
	go s.readLoop(conn, eventKind_RemoteFrame, eventKind_RemoteEnded)

	pending := s.pending
	s.pending = nil
	for _, frame := range pending {
		if !s.forwardToRemote(frame) {
			return
		}
	}
}

func (s *Session) onRemoteDialFailed(err error) {
	s.dialing = false
	s.pending = nil

	if s.State() == SessionState_Closed {
		return
	}

	s.log.Warn("Failed to open remote WebSocket", zap.Error(err))
	obs.ErrorsTotal.WithLabelValues("bridge_dial").Inc()
	s.cause = err
	s.setState(SessionState_Closed)
	if closeErr := gracefulClose(s.client, CloseBadGateway, "upstream unavailable"); closeErr != nil {
		s.log.Debug("Error closing client after dial failure", zap.Error(closeErr))
	}
}

func (s *Session) forwardToRemote(frame Frame) bool {
	if err := writeFrame(s.remote, frame); err != nil {
		s.log.Warn("Failed to write to remote WebSocket, terminating session", zap.Error(err))
		obs.ErrorsTotal.WithLabelValues("bridge_remote_write").Inc()
		s.cause = err
		s.setState(SessionState_Closed)
		s.cancelDial()
		_ = terminate(s.remote)
		_ = terminate(s.client)
		return false
	}
	obs.BridgeFramesTotal.WithLabelValues("client_to_remote").Inc()
	return true
}

func (s *Session) onRemoteFrame(frame Frame) {
	if s.params.OnRemoteFrame != nil {
		s.params.OnRemoteFrame()
	}

	if s.State() != SessionState_Open {
		return
	}
	if err := writeFrame(s.client, frame); err != nil {
		// client went away; its reader reports the close
		s.log.Debug("Dropping remote frame, client write failed", zap.Error(err))
		return
	}
	obs.BridgeFramesTotal.WithLabelValues("remote_to_client").Inc()
}

func (s *Session) onClientEnded(err error) {
	s.clientDone = true
	if s.State() == SessionState_Closed {
		_ = s.client.Close()
		return
	}

	s.setState(SessionState_Closed)
	s.cancelDial()
	s.pending = nil
	_ = s.client.Close()

	if isCloseFrame(err) {
		s.log.Info("Client WebSocket closed", zap.Error(err))
		if s.remote != nil {
			code, text := closeCodeFor(err)
			if closeErr := gracefulClose(s.remote, code, text); closeErr != nil {
				s.log.Debug("Error closing remote WebSocket", zap.Error(closeErr))
			}
		}
		return
	}

	s.log.Warn("Client WebSocket error, terminating remote", zap.Error(err))
	if s.remote != nil {
		_ = terminate(s.remote)
	}
}

func (s *Session) onRemoteEnded(err error) {
	s.remoteDone = true
	if s.State() == SessionState_Closed {
		_ = s.remote.Close()
		return
	}

	s.setState(SessionState_Closed)
	_ = s.remote.Close()

	if isCloseFrame(err) {
		s.log.Info("Remote WebSocket closed", zap.Error(err))
		code, text := closeCodeFor(err)
		if closeErr := gracefulClose(s.client, code, text); closeErr != nil {
			s.log.Debug("Error closing client WebSocket", zap.Error(closeErr))
		}
		return
	}

	s.log.Warn("Remote WebSocket error, terminating client", zap.Error(err))
	obs.ErrorsTotal.WithLabelValues("bridge_remote_read").Inc()
	s.cause = err
	_ = terminate(s.client)
}

func (s *Session) onAbort() {
	if s.State() == SessionState_Closed {
		return
	}
	s.log.Info("Aborting bridge session")
	s.setState(SessionState_Closed)
	s.cancelDial()
	s.pending = nil
	_ = terminate(s.client)
	if s.remote != nil {
		_ = terminate(s.remote)
	}
}
