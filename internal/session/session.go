package session

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/siohaza/gridhost/internal/network"
)

// RateLimits configures the per-session token buckets. A zero value
// disables limiting.
type RateLimits struct {
	Enabled           bool
	EditsPerSecond    float64
	EditBurst         int
	CommandsPerSecond float64
	CommandBurst      int
	MaxViolations     int
}

type Session struct {
	ID        string
	Conn      network.Conn
	Remote    string
	Transport network.Transport

	edits         *rate.Limiter
	commands      *rate.Limiter
	maxViolations int

	mu         sync.Mutex
	violations int
}

func newSession(id string, conn network.Conn, limits RateLimits) *Session {
	s := &Session{
		ID:        id,
		Conn:      conn,
		Remote:    conn.RemoteAddr(),
		Transport: conn.Transport(),
	}

	if limits.Enabled {
		s.edits = rate.NewLimiter(rate.Limit(limits.EditsPerSecond), limits.EditBurst)
		s.commands = rate.NewLimiter(rate.Limit(limits.CommandsPerSecond), limits.CommandBurst)
		s.maxViolations = limits.MaxViolations
	}
	return s
}

// AllowEdit reports whether a world edit fits in the edit bucket. A denied
// edit counts as a violation.
func (s *Session) AllowEdit() bool {
	return s.allow(s.edits)
}

func (s *Session) AllowCommand() bool {
	return s.allow(s.commands)
}

func (s *Session) allow(l *rate.Limiter) bool {
	if l == nil || l.Allow() {
		return true
	}

	s.mu.Lock()
	s.violations++
	s.mu.Unlock()
	return false
}

// Exhausted reports whether the session has exceeded its violation budget.
func (s *Session) Exhausted() bool {
	if s.maxViolations <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations > s.maxViolations
}

func (s *Session) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}
