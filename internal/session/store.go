package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store owns SessionRecord persistence. Get returns (nil, nil) when no
// record exists for the key.
type Store interface {
	Get(ctx context.Context, teamID, activityID string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Reset(ctx context.Context, teamID, activityID string) error
	// Expired lists runs past their deadline that are not failed or
	// completed yet. Used by the sweeper.
	Expired(ctx context.Context, now time.Time) ([]*Record, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) Get(ctx context.Context, teamID, activityID string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "team_id = ? AND activity_id = ?", teamID, activityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) Put(ctx context.Context, rec *Record) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}, {Name: "activity_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (s *GormStore) Reset(ctx context.Context, teamID, activityID string) error {
	return s.Put(ctx, NewRecord(teamID, activityID))
}

func (s *GormStore) Expired(ctx context.Context, now time.Time) ([]*Record, error) {
	var recs []*Record
	err := s.db.WithContext(ctx).
		Where("run_expires_at IS NOT NULL AND run_expires_at <= ? AND failed_at IS NULL AND completed_at IS NULL", now).
		Find(&recs).Error
	return recs, err
}

// MemoryStore backs dev mode and tests.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func memKey(teamID, activityID string) string { return teamID + "\x00" + activityID }

func (s *MemoryStore) Get(_ context.Context, teamID, activityID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[memKey(teamID, activityID)]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[memKey(rec.TeamID, rec.ActivityID)] = *rec
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, teamID, activityID string) error {
	return s.Put(ctx, NewRecord(teamID, activityID))
}

func (s *MemoryStore) Expired(_ context.Context, now time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.recs {
		if rec.Expired(now) {
			r := rec
			out = append(out, &r)
		}
	}
	return out, nil
}
