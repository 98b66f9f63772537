// Package session tracks live client connections and delivers messages to
// them by identifier.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/siohaza/gridhost/internal/network"
	"github.com/siohaza/gridhost/internal/protocol"
)

const (
	idLength      = 6
	maxIDAttempts = 64
)

var (
	ErrBanned      = errors.New("identifier is banned")
	ErrFull        = errors.New("server is full")
	ErrIDExhausted = errors.New("no free session identifier")
)

// Punishments is the part of the punishment registry consulted at
// registration.
type Punishments interface {
	IsBanned(id string) bool
}

// Observer receives session lifecycle events.
type Observer interface {
	SessionOpened(transport string)
	SessionClosed(transport string)
	ConnectionRejected(transport, result string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string)              {}
func (nopObserver) SessionClosed(string)              {}
func (nopObserver) ConnectionRejected(string, string) {}

type Option func(*Registry)

// WithIDSource replaces the identifier generator.
func WithIDSource(fn func() string) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// WithCapacity caps the number of live sessions. Zero means unlimited.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		r.capacity = n
	}
}

func WithRateLimits(limits RateLimits) Option {
	return func(r *Registry) {
		r.limits = limits
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

func randomID() string {
	return uuid.NewString()[:idLength]
}

type Registry struct {
	sessions map[string]*Session
	punish   Punishments
	newID    func() string
	capacity int
	limits   RateLimits
	logger   *slog.Logger
	observer Observer
	mu       sync.RWMutex
}

func NewRegistry(punish Punishments, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		punish:   punish,
		newID:    randomID,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register assigns a fresh identifier to conn. A banned identifier gets the
// connection closed without any message; a full server sends a disconnect
// notice first. In both cases no session is created.
func (r *Registry) Register(conn network.Conn) (*Session, error) {
	transport := string(conn.Transport())

	r.mu.Lock()
	id, err := r.freeIDLocked()
	if err != nil {
		r.mu.Unlock()
		conn.Close()
		return nil, err
	}

	if r.punish != nil && r.punish.IsBanned(id) {
		r.mu.Unlock()
		conn.Close()
		r.observer.ConnectionRejected(transport, "banned")
		r.logger.Info("rejected banned identifier", "id", id, "remote", conn.RemoteAddr())
		return nil, fmt.Errorf("%w: %s", ErrBanned, id)
	}

	if r.capacity > 0 && len(r.sessions) >= r.capacity {
		r.mu.Unlock()
		writeNotice(conn, protocol.ReasonServerFull)
		conn.Close()
		r.observer.ConnectionRejected(transport, "full")
		r.logger.Info("rejected connection, server full", "remote", conn.RemoteAddr(), "capacity", r.capacity)
		return nil, ErrFull
	}

	s := newSession(id, conn, r.limits)
	r.sessions[id] = s
	r.mu.Unlock()

	r.observer.SessionOpened(transport)
	r.logger.Info("session registered", "id", id, "remote", s.Remote, "transport", transport)
	return s, nil
}

func (r *Registry) freeIDLocked() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := r.newID()
		if _, taken := r.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// Send delivers msg to the session with the given identifier. A failed
// write removes and closes the session and is returned so the caller can
// stop serving it. Unknown identifiers are ignored.
func (r *Registry) Send(id string, msg any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("send to unknown session", "id", id)
		return nil
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("failed to encode message", "id", id, "error", err)
		return err
	}

	if err := s.Conn.WriteMessage(data); err != nil {
		r.logger.Warn("send failed, dropping session", "id", id, "error", err)
		if r.release(s) {
			s.Conn.Close()
		}
		return fmt.Errorf("failed to send to %s: %w", id, err)
	}
	return nil
}

// Disconnect sends a disconnect notice, closes the connection and removes
// the session. Unknown identifiers are ignored.
func (r *Registry) Disconnect(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	writeNotice(s.Conn, reason)
	s.Conn.Close()
	r.observer.SessionClosed(string(s.Transport))
	r.logger.Info("session disconnected", "id", id, "reason", reason)
}

// Remove drops the bookkeeping for id without touching the connection.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.observer.SessionClosed(string(s.Transport))
		r.logger.Info("session removed", "id", id)
	}
	return ok
}

// Release removes s only if it is still the live session for its
// identifier.
func (r *Registry) Release(s *Session) bool {
	if !r.release(s) {
		return false
	}
	r.logger.Info("session removed", "id", s.ID)
	return true
}

func (r *Registry) release(s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.ID]
	if ok && current == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	if ok && current == s {
		r.observer.SessionClosed(string(s.Transport))
		return true
	}
	return false
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns the live identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every live session with reason.
func (r *Registry) CloseAll(reason string) {
	for _, id := range r.IDs() {
		r.Disconnect(id, reason)
	}
}

func writeNotice(conn network.Conn, reason string) {
	data, err := protocol.Encode(protocol.NewDisconnect(reason))
	if err != nil {
		return
	}
	_ = conn.WriteMessage(data)
}
