// Package team provides the membership directory consulted by the
// authorization gate and by invite resolution.
package team

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

type Team struct {
	ID   string `gorm:"primaryKey;size:64" json:"id"`
	Name string `gorm:"size:255" json:"name"`
}

type Member struct {
	TeamID      string    `gorm:"primaryKey;size:64" json:"teamId"`
	UserID      string    `gorm:"primaryKey;size:64" json:"userId"`
	Email       string    `gorm:"size:255;index" json:"email"`
	DisplayName string    `gorm:"size:255" json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Directory answers membership questions. Lookups return (nil, nil) when the
// subject is absent.
type Directory interface {
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
	Member(ctx context.Context, teamID, userID string) (*Member, error)
	MemberCount(ctx context.Context, teamID string) (int, error)
	// Resolve finds a member by user id or email.
	Resolve(ctx context.Context, teamID, idOrEmail string) (*Member, error)
}

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory { return &GormDirectory{db: db} }

func (d *GormDirectory) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	m, err := d.Member(ctx, teamID, userID)
	return m != nil, err
}

func (d *GormDirectory) Member(ctx context.Context, teamID, userID string) (*Member, error) {
	var m Member
	err := d.db.WithContext(ctx).First(&m, "team_id = ? AND user_id = ?", teamID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *GormDirectory) MemberCount(ctx context.Context, teamID string) (int, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Member{}).Where("team_id = ?", teamID).Count(&n).Error
	return int(n), err
}

func (d *GormDirectory) Resolve(ctx context.Context, teamID, idOrEmail string) (*Member, error) {
	var m Member
	err := d.db.WithContext(ctx).
		First(&m, "team_id = ? AND (user_id = ? OR lower(email) = lower(?))", teamID, idOrEmail, idOrEmail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MemoryDirectory backs dev mode and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	members map[string][]Member // teamID -> members
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{members: make(map[string][]Member)}
}

func (d *MemoryDirectory) Add(m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.TeamID] = append(d.members[m.TeamID], m)
}

func (d *MemoryDirectory) IsMember(_ context.Context, teamID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.members[teamID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *MemoryDirectory) Member(_ context.Context, teamID, userID string) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.members[teamID] {
		if m.UserID == userID {
			return &m, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) MemberCount(_ context.Context, teamID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members[teamID]), nil
}

func (d *MemoryDirectory) Resolve(_ context.Context, teamID, idOrEmail string) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.members[teamID] {
		if m.UserID == idOrEmail || strings.EqualFold(m.Email, idOrEmail) {
			return &m, nil
		}
	}
	return nil, nil
}
