package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/types"
)

// Sweeper proactively fails runs whose deadline has passed, so a dead run is
// recorded and announced even if no client ever calls back in. The
// opportunistic check in the coordinator covers the window between sweeps.
type Sweeper struct {
	store    Store
	bc       *broadcast.Broadcaster
	clock    clockwork.Clock
	log      *zap.Logger
	interval time.Duration
}

func NewSweeper(store Store, bc *broadcast.Broadcaster, clock clockwork.Clock, log *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{store: store, bc: bc, clock: clock, log: log, interval: interval}
}

// Run loops until the context is cancelled, reusing a single timer.
func (s *Sweeper) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
		}
		s.sweep(ctx)
		timer.Reset(s.interval)
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now()
	expired, err := s.store.Expired(ctx, now)
	if err != nil {
		s.log.Error("listing expired runs", zap.Error(err))
		return
	}
	for _, rec := range expired {
		rec.MarkFailed(now, FailReasonTimeLimit)
		if err := s.store.Put(ctx, rec); err != nil {
			s.log.Error("failing expired run",
				zap.String("team", rec.TeamID),
				zap.String("activity", rec.ActivityID),
				zap.Error(err))
			continue
		}
		room := broadcast.EscapeRoom(rec.TeamID, rec.ActivityID)
		s.bc.Publish(room, broadcast.Event{
			Type: broadcast.EventEscapeAborted,
			Data: types.AbortedPayload{Reason: FailReasonTimeLimit},
		})
		s.bc.Publish(room, broadcast.Event{
			Type: broadcast.EventSessionUpdated,
			Data: UpdatePayload(rec),
		})
		s.log.Info("run expired",
			zap.String("team", rec.TeamID),
			zap.String("activity", rec.ActivityID))
	}
}
