package punish

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/siohaza/gridhost/internal/store"
)

const StoreKey = "blacklist"

type Status string

const (
	StatusNone   Status = ""
	StatusMuted  Status = "muted"
	StatusBanned Status = "banned"
)

func (s Status) String() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}

// Registry maps identifiers to a punishment status. An identifier holds at
// most one status; setting a new one replaces the old.
type Registry struct {
	entries map[string]Status
	store   store.Store
	logger  *slog.Logger
	mu      sync.RWMutex
}

func Load(s store.Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries := make(map[string]Status)
	created, err := store.LoadOrCreate(s, StoreKey, &entries)
	if err != nil {
		return nil, fmt.Errorf("failed to load punishments: %w", err)
	}
	if created {
		logger.Info("created punishment registry", "key", StoreKey)
	}
	if entries == nil {
		entries = make(map[string]Status)
	}

	for id, status := range entries {
		if status != StatusMuted && status != StatusBanned {
			logger.Warn("dropping unknown punishment status", "id", id, "status", string(status))
			delete(entries, id)
		}
	}

	return &Registry{
		entries: entries,
		store:   s,
		logger:  logger,
	}, nil
}

func (r *Registry) Status(id string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) IsBanned(id string) bool {
	return r.Status(id) == StatusBanned
}

func (r *Registry) IsMuted(id string) bool {
	return r.Status(id) == StatusMuted
}

func (r *Registry) Ban(id string) error {
	return r.set(id, StatusBanned)
}

func (r *Registry) Mute(id string) error {
	return r.set(id, StatusMuted)
}

func (r *Registry) set(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[id] = status
	if err := r.saveUnlocked(); err != nil {
		return err
	}

	r.logger.Info("punishment set", "id", id, "status", status.String())
	return nil
}

// Clear removes any punishment for id. It reports whether an entry existed
// and only persists when one did.
func (r *Registry) Clear(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false, nil
	}
	delete(r.entries, id)

	if err := r.saveUnlocked(); err != nil {
		return true, err
	}

	r.logger.Info("punishment cleared", "id", id)
	return true, nil
}

func (r *Registry) All() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.entries))
	for id, status := range r.entries {
		out[id] = status
	}
	return out
}

func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveUnlocked()
}

func (r *Registry) saveUnlocked() error {
	if err := r.store.Save(StoreKey, r.entries); err != nil {
		return fmt.Errorf("failed to save punishments: %w", err)
	}
	return nil
}
