// Package world owns the shared block grid every session edits.
package world

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/siohaza/gridhost/internal/store"
)

const (
	DefaultWidth  = 10
	DefaultHeight = 10
)

// Key returns the store key of the grid for the named world.
func Key(name string) string {
	return fmt.Sprintf("worlds/%s/world", name)
}

// World is a fixed-size grid addressed as grid[y][x]. Every in-bounds
// mutation is persisted before the lock is released.
type World struct {
	grid   [][]Block
	width  int
	height int
	store  store.Store
	key    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// Load reads the grid stored under key, creating an all-air grid of
// width x height when none exists yet.
func Load(s store.Store, key string, width, height int, logger *slog.Logger) (*World, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid world dimensions %dx%d", width, height)
	}

	grid := newGrid(width, height)
	created, err := store.LoadOrCreate(s, key, &grid)
	if err != nil {
		return nil, fmt.Errorf("failed to load world: %w", err)
	}

	if len(grid) == 0 || len(grid[0]) == 0 {
		return nil, fmt.Errorf("world %s is empty", key)
	}
	for y, row := range grid {
		if len(row) != len(grid[0]) {
			return nil, fmt.Errorf("world %s row %d has %d cells, expected %d", key, y, len(row), len(grid[0]))
		}
	}

	if created {
		logger.Info("created new world", "key", key, "width", width, "height", height)
	} else {
		logger.Info("loaded world", "key", key, "width", len(grid[0]), "height", len(grid))
	}

	return &World{
		grid:   grid,
		width:  len(grid[0]),
		height: len(grid),
		store:  s,
		key:    key,
		logger: logger,
	}, nil
}

func newGrid(width, height int) [][]Block {
	grid := make([][]Block, height)
	for y := range grid {
		row := make([]Block, width)
		for x := range row {
			row[x] = BlockAir
		}
		grid[y] = row
	}
	return grid
}

func (w *World) Width() int {
	return w.width
}

func (w *World) Height() int {
	return w.height
}

func (w *World) inBounds(x, y int) bool {
	return y >= 0 && y < w.height && x >= 0 && x < w.width
}

// Snapshot returns a deep copy of the grid.
func (w *World) Snapshot() [][]Block {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([][]Block, len(w.grid))
	for y, row := range w.grid {
		out[y] = append([]Block(nil), row...)
	}
	return out
}

func (w *World) Get(x, y int) (Block, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.inBounds(x, y) {
		return "", false
	}
	return w.grid[y][x], true
}

// SetCell writes b at (x, y) and persists the grid. Out-of-bounds
// coordinates are ignored and report false with a nil error.
func (w *World) SetCell(x, y int, b Block) (bool, error) {
	if !b.Valid() {
		return false, fmt.Errorf("unknown block type %q", b)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inBounds(x, y) {
		return false, nil
	}

	w.grid[y][x] = b
	if err := w.store.Save(w.key, w.grid); err != nil {
		return true, fmt.Errorf("failed to save world: %w", err)
	}
	return true, nil
}

func (w *World) Persist() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.store.Save(w.key, w.grid); err != nil {
		return fmt.Errorf("failed to save world: %w", err)
	}
	return nil
}

// Backup writes a compressed copy of the grid to path.
func (w *World) Backup(path string) error {
	grid := w.Snapshot()
	if err := store.WriteArchive(path, grid); err != nil {
		return fmt.Errorf("failed to back up world: %w", err)
	}
	w.logger.Info("world backed up", "path", path)
	return nil
}
