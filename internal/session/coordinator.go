package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/apperr"
	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/types"
)

// LockTTL is how long an inventory lock is held before another participant
// may steal it.
const LockTTL = 2 * time.Minute

// Key identifies one session record.
type Key struct {
	TeamID     string
	ActivityID string
}

// StartRunParams carries the roster facts StartRun needs to compute the
// acknowledgment threshold and deadline.
type StartRunParams struct {
	MinTeamSize int           // 0 when the puzzle has no configured minimum
	TeamSize    int           // full roster size
	TimeLimit   time.Duration // 0 means the coordinator default
}

// Coordinator runs the timed-session logic: briefing acks, run start/expiry,
// and TTL'd per-item locks. All read-modify-write cycles on one record are
// serialized behind a per-key mutex; the expiry deadline is additionally
// checked on every entry so a dead run is rejected even between sweeps.
type Coordinator struct {
	store           Store
	bc              *broadcast.Broadcaster
	clock           clockwork.Clock
	log             *zap.Logger
	defaultRunLimit time.Duration

	mu   sync.Mutex
	keys map[Key]*sync.Mutex
}

func NewCoordinator(store Store, bc *broadcast.Broadcaster, clock clockwork.Clock, log *zap.Logger, defaultRunLimit time.Duration) *Coordinator {
	if defaultRunLimit <= 0 {
		defaultRunLimit = 60 * time.Minute
	}
	return &Coordinator{
		store:           store,
		bc:              bc,
		clock:           clock,
		log:             log,
		defaultRunLimit: defaultRunLimit,
		keys:            make(map[Key]*sync.Mutex),
	}
}

func (c *Coordinator) keyMu(key Key) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.keys[key]
	if m == nil {
		m = &sync.Mutex{}
		c.keys[key] = m
	}
	return m
}

// load fetches the record and applies the opportunistic expiry check.
func (c *Coordinator) load(ctx context.Context, key Key) (*Record, error) {
	rec, err := c.store.Get(ctx, key.TeamID, key.ActivityID)
	if err != nil {
		return nil, apperr.Internalf(err, "loading session")
	}
	if rec == nil {
		return nil, apperr.NotFoundf("no session for this activity")
	}
	now := c.clock.Now()
	if rec.Expired(now) {
		rec.MarkFailed(now, FailReasonTimeLimit)
		if err := c.store.Put(ctx, rec); err != nil {
			return nil, apperr.Internalf(err, "recording run expiry")
		}
		c.bc.Publish(broadcast.EscapeRoom(key.TeamID, key.ActivityID), broadcast.Event{
			Type: broadcast.EventEscapeAborted,
			Data: types.AbortedPayload{Reason: FailReasonTimeLimit},
		})
	}
	return rec, nil
}

// Status returns the current record with expiry applied, or (nil, nil) when
// no session exists. Used by the snapshot endpoint.
func (c *Coordinator) Status(ctx context.Context, key Key) (*Record, error) {
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()
	rec, err := c.load(ctx, key)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	return rec, err
}

// AckBriefing idempotently records the caller's briefing acknowledgment.
func (c *Coordinator) AckBriefing(ctx context.Context, key Key, userID string) (*Record, error) {
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := rejectTerminal(rec); err != nil {
		return nil, err
	}

	acks := rec.Acks()
	if _, ok := acks[userID]; ok {
		return rec, nil
	}
	acks[userID] = c.clock.Now()
	rec.SetAcks(acks)
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, apperr.Internalf(err, "saving briefing ack")
	}
	c.publishUpdate(key, rec)
	c.publishActivity(key, userID, "briefing_ack", "acknowledged the briefing")
	return rec, nil
}

// StartRun begins the timed window. Idempotent when the run is already
// started; rejects with the ack shortfall otherwise unmet.
func (c *Coordinator) StartRun(ctx context.Context, key Key, params StartRunParams, callerID string) (*Record, error) {
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := rejectTerminal(rec); err != nil {
		return nil, err
	}
	if rec.RunStartedAt != nil {
		return rec, nil
	}

	required := params.TeamSize
	if params.MinTeamSize > 0 && params.MinTeamSize < required {
		required = params.MinTeamSize
	}
	if got := len(rec.Acks()); got < required {
		return nil, apperr.Conflictf("waiting on %d of %d briefing acknowledgments", required-got, required)
	}

	limit := params.TimeLimit
	if limit <= 0 {
		limit = c.defaultRunLimit
	}
	now := c.clock.Now()
	expires := now.Add(limit)
	rec.RunStartedAt = &now
	rec.RunExpiresAt = &expires
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, apperr.Internalf(err, "starting run")
	}
	c.publishUpdate(key, rec)
	c.publishActivity(key, callerID, "run_started", "started the run")
	return rec, nil
}

// AcquireLock grants or refreshes the caller's lock on an inventory item. A
// live lock held by someone else is a conflict carrying the holder's info; an
// expired one is stolen.
func (c *Coordinator) AcquireLock(ctx context.Context, key Key, userID, userName, itemKey string) (*Record, error) {
	if itemKey == "" {
		return nil, apperr.Validationf("item is required")
	}
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := rejectTerminal(rec); err != nil {
		return nil, err
	}
	if rec.RunStartedAt == nil {
		return nil, apperr.Conflictf("the run has not started")
	}
	if !rec.HasItem(itemKey) {
		return nil, apperr.Conflictf("item %q is not in the team inventory", itemKey)
	}

	now := c.clock.Now()
	locks := rec.Locks()
	if existing, ok := locks[itemKey]; ok && existing.LockedBy != userID && now.Before(existing.ExpiresAt) {
		return nil, apperr.Conflictf("%q is locked by %s", itemKey, existing.LockedByName).
			WithDetails(existing)
	}
	locks[itemKey] = Lock{
		LockedBy:     userID,
		LockedByName: userName,
		LockedAt:     now,
		ExpiresAt:    now.Add(LockTTL),
	}
	rec.SetLocks(locks)
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, apperr.Internalf(err, "saving lock")
	}
	c.publishUpdate(key, rec)
	c.publishActivity(key, userID, "lock_acquired", itemKey)
	return rec, nil
}

// ReleaseLock removes the item's lock. Only the holder or the lobby leader
// may release; releasing an absent lock succeeds as a no-op.
func (c *Coordinator) ReleaseLock(ctx context.Context, key Key, userID string, isLeader bool, itemKey string) (*Record, error) {
	if itemKey == "" {
		return nil, apperr.Validationf("item is required")
	}
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := rejectTerminal(rec); err != nil {
		return nil, err
	}

	locks := rec.Locks()
	existing, ok := locks[itemKey]
	if !ok {
		return rec, nil
	}
	if existing.LockedBy != userID && !isLeader {
		return nil, apperr.Forbiddenf("only the lock holder or the lobby leader may release %q", itemKey)
	}
	delete(locks, itemKey)
	rec.SetLocks(locks)
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, apperr.Internalf(err, "releasing lock")
	}
	c.publishUpdate(key, rec)
	c.publishActivity(key, userID, "lock_released", itemKey)
	return rec, nil
}

// StartFresh installs the reset record at the lobby's start transition, with
// the finalized role assignments copied in. Any previous progress for the key
// is discarded. Runs behind the same per-key mutex as the action methods so a
// concurrent ack or lock write cannot resurrect the old record.
func (c *Coordinator) StartFresh(ctx context.Context, teamID, activityID string, roles map[string]string) error {
	key := Key{TeamID: teamID, ActivityID: activityID}
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()

	rec := NewRecord(teamID, activityID)
	if len(roles) > 0 {
		rec.SetRoles(roles)
	}
	return c.store.Put(ctx, rec)
}

// Reset restores the record to defaults at lobby teardown.
func (c *Coordinator) Reset(ctx context.Context, teamID, activityID string) error {
	key := Key{TeamID: teamID, ActivityID: activityID}
	mu := c.keyMu(key)
	mu.Lock()
	defer mu.Unlock()
	return c.store.Reset(ctx, teamID, activityID)
}

func rejectTerminal(rec *Record) error {
	if rec.Failed() {
		return apperr.Conflictf("the run has failed (%s); a reset is required", rec.FailedReason)
	}
	if rec.CompletedAt != nil {
		return apperr.Conflictf("the activity is already completed")
	}
	return nil
}

func (c *Coordinator) publishUpdate(key Key, rec *Record) {
	c.bc.Publish(broadcast.EscapeRoom(key.TeamID, key.ActivityID), broadcast.Event{
		Type: broadcast.EventSessionUpdated,
		Data: UpdatePayload(rec),
	})
}

func (c *Coordinator) publishActivity(key Key, actor, kind, title string) {
	c.bc.Publish(broadcast.EscapeRoom(key.TeamID, key.ActivityID), broadcast.Event{
		Type: broadcast.EventEscapeActivity,
		Data: types.ActivityPayload{Actor: actor, Kind: kind, Title: title},
	})
}

// UpdatePayload builds the escapeSessionUpdated payload for a record.
func UpdatePayload(rec *Record) types.SessionUpdatedPayload {
	locks := map[string]any{}
	for k, v := range rec.Locks() {
		locks[k] = v
	}
	return types.SessionUpdatedPayload{
		BriefingAcks:   rec.Acks(),
		InventoryLocks: locks,
		RunStartedAt:   rec.RunStartedAt,
		RunExpiresAt:   rec.RunExpiresAt,
	}
}
