package perms

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/siohaza/gridhost/internal/store"
)

const (
	LevelsKey       = "permission"
	RequirementsKey = "commands"

	// ConsoleID is the operator console identity. It may run every command.
	ConsoleID = "CONSOLE"

	// Unreachable is the required level reported for unknown commands.
	Unreachable = 999
)

type Requirement struct {
	Name  string
	Level int
}

func DefaultRequirements() []Requirement {
	return []Requirement{
		{Name: "ban", Level: 2},
		{Name: "mute", Level: 1},
		{Name: "unpunish", Level: 2},
		{Name: "kick", Level: 1},
		{Name: "perms", Level: 3},
		{Name: "help", Level: 0},
		{Name: "stop", Level: 3},
	}
}

// Table holds per-identifier levels and per-command requirements.
type Table struct {
	levels       map[string]int
	requirements map[string]int
	order        []string
	store        store.Store
	logger       *slog.Logger
	mu           sync.RWMutex
}

// Load reads both documents and reconciles the stored requirement table
// against defaults: unknown commands are dropped, missing ones are added
// with their default level, known ones keep their stored level.
func Load(s store.Store, defaults []Requirement, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}

	levels := make(map[string]int)
	created, err := store.LoadOrCreate(s, LevelsKey, &levels)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	if created {
		logger.Info("created permission table", "key", LevelsKey)
	}
	if levels == nil {
		levels = make(map[string]int)
	}

	stored := make(map[string]int)
	if _, err := store.LoadOrCreate(s, RequirementsKey, &stored); err != nil {
		return nil, fmt.Errorf("failed to load command requirements: %w", err)
	}

	requirements, order := reconcile(stored, defaults)
	for name := range stored {
		if _, ok := requirements[name]; !ok {
			logger.Info("dropped obsolete command requirement", "command", name)
		}
	}

	if err := s.Save(RequirementsKey, requirements); err != nil {
		return nil, fmt.Errorf("failed to save command requirements: %w", err)
	}

	return &Table{
		levels:       levels,
		requirements: requirements,
		order:        order,
		store:        s,
		logger:       logger,
	}, nil
}

func reconcile(stored map[string]int, defaults []Requirement) (map[string]int, []string) {
	requirements := make(map[string]int, len(defaults))
	order := make([]string, 0, len(defaults))

	for _, req := range defaults {
		if _, dup := requirements[req.Name]; dup {
			continue
		}
		level, ok := stored[req.Name]
		if !ok {
			level = req.Level
		}
		requirements[req.Name] = level
		order = append(order, req.Name)
	}

	return requirements, order
}

func (t *Table) LevelOf(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.levels[id]
}

func (t *Table) SetLevel(id string, level int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.levels[id] = level
	if err := t.saveUnlocked(); err != nil {
		return err
	}

	t.logger.Info("permission level set", "id", id, "level", level)
	return nil
}

func (t *Table) RequiredLevel(command string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	level, ok := t.requirements[command]
	if !ok {
		return Unreachable
	}
	return level
}

func (t *Table) Has(command string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.requirements[command]
	return ok
}

func (t *Table) CanExecute(id, command string) bool {
	if id == ConsoleID {
		return true
	}
	return t.LevelOf(id) >= t.RequiredLevel(command)
}

// Commands lists known command names in declaration order.
func (t *Table) Commands() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

func (t *Table) Requirements() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.requirements))
	for name, level := range t.requirements {
		out[name] = level
	}
	return out
}

func (t *Table) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveUnlocked()
}

func (t *Table) saveUnlocked() error {
	if err := t.store.Save(LevelsKey, t.levels); err != nil {
		return fmt.Errorf("failed to save permissions: %w", err)
	}
	return nil
}
