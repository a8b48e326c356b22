package session

import (
	"encoding/json"
	"time"
)

// FailReasonTimeLimit marks a run that ran out the wall clock.
const FailReasonTimeLimit = "time_limit"

// Lock is one inventory lock entry.
type Lock struct {
	LockedBy     string    `json:"lockedBy"`
	LockedByName string    `json:"lockedByName"`
	LockedAt     time.Time `json:"lockedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Record is the durable session row for one (team, escape activity). Map and
// set fields are stored as JSON text columns; accessors parse them
// defensively and fall back to empty structures so a corrupt column can never
// take an operation down.
type Record struct {
	TeamID     string `gorm:"primaryKey;size:64" json:"teamId"`
	ActivityID string `gorm:"primaryKey;size:64" json:"activityId"`

	CurrentStageIndex int    `json:"currentStageIndex"`
	SolvedStages      string `gorm:"type:text" json:"-"`
	Inventory         string `gorm:"type:text" json:"-"`
	Roles             string `gorm:"type:text" json:"-"`
	BriefingAcks      string `gorm:"type:text" json:"-"`
	InventoryLocks    string `gorm:"type:text" json:"-"`

	RunStartedAt *time.Time `json:"runStartedAt,omitempty"`
	RunExpiresAt *time.Time `json:"runExpiresAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
	FailedReason string     `gorm:"size:64" json:"failedReason,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRecord returns the reset/default record: stage 1, empty collections,
// no run and no failure.
func NewRecord(teamID, activityID string) *Record {
	return &Record{
		TeamID:            teamID,
		ActivityID:        activityID,
		CurrentStageIndex: 1,
		SolvedStages:      "[]",
		Inventory:         "[]",
		Roles:             "{}",
		BriefingAcks:      "{}",
		InventoryLocks:    "{}",
	}
}

// Failed reports whether the record is terminal.
func (r *Record) Failed() bool { return r.FailedAt != nil }

// RunActive reports whether a run is started, unfinished, and not yet past
// its deadline at the given instant.
func (r *Record) RunActive(now time.Time) bool {
	return r.RunStartedAt != nil && !r.Failed() && r.CompletedAt == nil &&
		(r.RunExpiresAt == nil || now.Before(*r.RunExpiresAt))
}

// Expired reports whether the run deadline has passed without the record
// being failed or completed yet.
func (r *Record) Expired(now time.Time) bool {
	return r.RunExpiresAt != nil && !now.Before(*r.RunExpiresAt) &&
		!r.Failed() && r.CompletedAt == nil
}

// MarkFailed transitions the record to its terminal state.
func (r *Record) MarkFailed(now time.Time, reason string) {
	t := now
	r.FailedAt = &t
	r.FailedReason = reason
}

func (r *Record) SolvedStageIDs() []string           { return decodeList(r.SolvedStages) }
func (r *Record) InventoryItems() []string           { return decodeList(r.Inventory) }
func (r *Record) RoleMap() map[string]string         { return decodeMap[string](r.Roles) }
func (r *Record) Acks() map[string]time.Time         { return decodeMap[time.Time](r.BriefingAcks) }
func (r *Record) Locks() map[string]Lock             { return decodeMap[Lock](r.InventoryLocks) }
func (r *Record) SetRoles(roles map[string]string)   { r.Roles = encode(roles) }
func (r *Record) SetAcks(acks map[string]time.Time)  { r.BriefingAcks = encode(acks) }
func (r *Record) SetLocks(locks map[string]Lock)     { r.InventoryLocks = encode(locks) }
func (r *Record) SetInventoryItems(items []string)   { r.Inventory = encode(items) }
func (r *Record) SetSolvedStageIDs(stages []string)  { r.SolvedStages = encode(stages) }

// HasItem reports whether the item is in the shared inventory.
func (r *Record) HasItem(itemKey string) bool {
	for _, it := range r.InventoryItems() {
		if it == itemKey {
			return true
		}
	}
	return false
}

func decodeList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func decodeMap[V any](raw string) map[string]V {
	if raw == "" {
		return map[string]V{}
	}
	var out map[string]V
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]V{}
	}
	return out
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
