// Package puzzle exposes the slice of puzzle metadata the coordinator needs.
// Puzzle content itself (stages, rendering, scoring) lives elsewhere.
package puzzle

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

const KindEscape = "escape"

type Puzzle struct {
	ID           string `gorm:"primaryKey;size:64" json:"id"`
	Title        string `gorm:"size:255" json:"title"`
	Kind         string `gorm:"size:32" json:"kind"`
	MinTeamSize  int    `json:"minTeamSize"`
	PartCount    int    `json:"partCount"`
	TimeLimitSec int    `json:"timeLimitSec"`
}

// RequiredPlayers derives the lobby capacity: an explicit minimum team size
// wins, then the number of puzzle parts, then 1.
func (p Puzzle) RequiredPlayers() int {
	if p.MinTeamSize > 0 {
		return p.MinTeamSize
	}
	if p.PartCount > 0 {
		return p.PartCount
	}
	return 1
}

// TimedRun reports whether starting this puzzle opens a time-boxed session.
func (p Puzzle) TimedRun() bool { return p.Kind == KindEscape }

// TimeLimit returns the configured run limit, or 0 when unset.
func (p Puzzle) TimeLimit() time.Duration {
	return time.Duration(p.TimeLimitSec) * time.Second
}

// Catalog looks puzzles up by id. Get returns (nil, nil) when absent.
type Catalog interface {
	Get(ctx context.Context, id string) (*Puzzle, error)
}

type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog { return &GormCatalog{db: db} }

func (c *GormCatalog) Get(ctx context.Context, id string) (*Puzzle, error) {
	var p Puzzle
	err := c.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MemoryCatalog backs dev mode and tests.
type MemoryCatalog struct {
	mu      sync.RWMutex
	puzzles map[string]Puzzle
}

func NewMemoryCatalog(puzzles ...Puzzle) *MemoryCatalog {
	m := &MemoryCatalog{puzzles: make(map[string]Puzzle)}
	for _, p := range puzzles {
		m.puzzles[p.ID] = p
	}
	return m
}

func (m *MemoryCatalog) Put(p Puzzle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puzzles[p.ID] = p
}

func (m *MemoryCatalog) Get(_ context.Context, id string) (*Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.puzzles[id]; ok {
		return &p, nil
	}
	return nil, nil
}
