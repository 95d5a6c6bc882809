package stratum

import (
	"sync"
	"time"
)

// Phase is the connection phase of a client
type Phase int

const (
	// PhaseDisconnected - no socket
	PhaseDisconnected Phase = iota
	// PhaseConnecting - dial in progress
	PhaseConnecting
	// PhaseHandshaking - connected, subscribe/authorize outstanding
	PhaseHandshaking
	// PhaseReady - authorized by the pool
	PhaseReady
)

// String returns string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Session is a snapshot of the client's view of its pool connection.
//
// AcceptedShares counts submissions made by this client, not shares the pool
// has confirmed. ConfirmedShares and RejectedShares are derived from the
// pool's responses to mining.submit.
type Session struct {
	Phase           Phase
	Connected       bool
	PoolURL         string
	WorkerName      string
	Difficulty      float64
	ExtraNonce1     string
	ExtraNonce2Size int
	Authorized      bool

	AcceptedShares  uint64
	ConfirmedShares uint64
	RejectedShares  uint64
	LastShareTime   *time.Time
	ConnectedAt     time.Time
	Latency         time.Duration
}

// session guards the mutable connection state of a Client
type session struct {
	mu sync.RWMutex
	s  Session
}

func newSession(poolURL, worker string) *session {
	return &session{s: Session{PoolURL: poolURL, WorkerName: worker, Difficulty: 1.0}}
}

// reset starts a fresh session for a new connection, keeping identity
func (s *session) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s = Session{
		Phase:       PhaseHandshaking,
		Connected:   true,
		PoolURL:     s.s.PoolURL,
		WorkerName:  s.s.WorkerName,
		Difficulty:  1.0,
		ConnectedAt: now,
	}
}

func (s *session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Phase = p
	if p == PhaseDisconnected {
		s.s.Connected = false
	}
}

func (s *session) snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.s
	if s.s.LastShareTime != nil {
		t := *s.s.LastShareTime
		out.LastShareTime = &t
	}
	return out
}

func (s *session) connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s.Connected
}

func (s *session) difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s.Difficulty
}

// setDifficulty ignores non-positive values
func (s *session) setDifficulty(d float64) bool {
	if d <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Difficulty = d
	return true
}

func (s *session) setExtraNonce(extraNonce1 string, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.ExtraNonce1 = extraNonce1
	s.s.ExtraNonce2Size = size
}

func (s *session) setAuthorized(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Authorized = ok
	if ok && s.s.Connected {
		s.s.Phase = PhaseReady
	}
}

func (s *session) recordSubmit(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.AcceptedShares++
	s.s.LastShareTime = &now
}

func (s *session) recordSubmitResult(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accepted {
		s.s.ConfirmedShares++
	} else {
		s.s.RejectedShares++
	}
}

func (s *session) setLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Latency = d
}
