package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type DuplicateSessionIdError struct {
	Id uint32
}

func (e *DuplicateSessionIdError) Error() string {
	return fmt.Sprintf("Attempted to create bridge session with duplicate ID %d", e.Id)
}

type MissingSessionIdError struct {
	Id uint32
}

func (e *MissingSessionIdError) Error() string {
	return fmt.Sprintf("Missing bridge session with id=%d", e.Id)
}

type TooManySessionsError struct {
	Limit int
}

func (e *TooManySessionsError) Error() string {
	return fmt.Sprintf("Too many bridge sessions are connected (limit %d) - cannot create new session", e.Limit)
}

type SessionMetadata struct {
	Mut               sync.RWMutex
	RemoteAddr        string
	Target            string
	CreatedTime       time.Time
	LastClientMsgTime time.Time
	LastRemoteMsgTime time.Time

	abort func()
}

// SessionStore tracks live bridge sessions so that the server can enforce a
// connection cap, sweep idle sessions and abort everything on shutdown.
type SessionStore struct {
	// Zero means unlimited
	MaxSessions int

	nextSessionId atomic.Uint32

	mut_sessions sync.RWMutex
	sessions     map[uint32]*SessionMetadata
}

func CreateSessionStore(maxSessions int) *SessionStore {
	return &SessionStore{
		MaxSessions:   maxSessions,
		nextSessionId: atomic.Uint32{},
		mut_sessions:  sync.RWMutex{},
		sessions:      make(map[uint32]*SessionMetadata),
	}
}

func (store *SessionStore) GetNewSessionId() uint32 {
	return store.nextSessionId.Add(1)
}

func (store *SessionStore) Count() int {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()
	return len(store.sessions)
}

// CreateSession registers a session. abort is invoked by Abort and AbortAll
// and must be safe to call more than once.
func (store *SessionStore) CreateSession(sessionId uint32, remoteAddr string, now time.Time, abort func()) error {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	if _, has := store.sessions[sessionId]; has {
		return &DuplicateSessionIdError{Id: sessionId}
	}

	if store.MaxSessions > 0 && len(store.sessions) >= store.MaxSessions {
		return &TooManySessionsError{Limit: store.MaxSessions}
	}

	store.sessions[sessionId] = &SessionMetadata{
		Mut:               sync.RWMutex{},
		RemoteAddr:        remoteAddr,
		CreatedTime:       now,
		LastClientMsgTime: now,
		LastRemoteMsgTime: now,
		abort:             abort,
	}

	return nil
}

func (store *SessionStore) RemoveSession(sessionId uint32) {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()
	delete(store.sessions, sessionId)
}

func (store *SessionStore) withSession(sessionId uint32, fn func(s *SessionMetadata)) error {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	session, has := store.sessions[sessionId]
	if !has {
		return &MissingSessionIdError{Id: sessionId}
	}

	session.Mut.Lock()
	defer session.Mut.Unlock()

	fn(session)
	return nil
}

func (store *SessionStore) SetTarget(sessionId uint32, target string) error {
	return store.withSession(sessionId, func(s *SessionMetadata) {
		s.Target = target
	})
}

func (store *SessionStore) GetTarget(sessionId uint32) (string, error) {
	target := ""
	err := store.withSession(sessionId, func(s *SessionMetadata) {
		target = s.Target
	})
	return target, err
}

func (store *SessionStore) SetClientRecvTime(sessionId uint32, now time.Time) error {
	return store.withSession(sessionId, func(s *SessionMetadata) {
		s.LastClientMsgTime = now
	})
}

func (store *SessionStore) SetRemoteRecvTime(sessionId uint32, now time.Time) error {
	return store.withSession(sessionId, func(s *SessionMetadata) {
		s.LastRemoteMsgTime = now
	})
}

// GetIdleSessionList returns sessions that have seen no traffic in either
// direction since deadline.
func (store *SessionStore) GetIdleSessionList(deadline time.Time) []uint32 {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	sessionsToKick := []uint32{}

	for sessionId, session := range store.sessions {
		session.Mut.RLock()
		shouldKick := session.LastClientMsgTime.Before(deadline) && session.LastRemoteMsgTime.Before(deadline)
		session.Mut.RUnlock()

		if shouldKick {
			sessionsToKick = append(sessionsToKick, sessionId)
		}
	}

	return sessionsToKick
}

func (store *SessionStore) Abort(sessionId uint32) error {
	store.mut_sessions.RLock()
	session, has := store.sessions[sessionId]
	store.mut_sessions.RUnlock()

	if !has {
		return &MissingSessionIdError{Id: sessionId}
	}
	if session.abort != nil {
		session.abort()
	}
	return nil
}

func (store *SessionStore) AbortAll() {
	store.mut_sessions.RLock()
	aborts := make([]func(), 0, len(store.sessions))
	for _, session := range store.sessions {
		if session.abort != nil {
			aborts = append(aborts, session.abort)
		}
	}
	store.mut_sessions.RUnlock()

	for _, abort := range aborts {
		abort()
	}
}
