package room

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/metrics"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// StartDestruction schedules the room's self-destruction. Calling it
// again replaces the previous schedule; exactly one timer is ever armed.
func (r *Room) StartDestruction(ctx context.Context, countdownSeconds int64) (int64, error) {
	if countdownSeconds < types.MinCountdownSeconds || countdownSeconds > types.MaxCountdownSeconds {
		return 0, types.NewClientError(types.ErrInvalidArgument, "Countdown must be between 10 and 86400 seconds")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	destructionTime := time.Now().UnixMilli() + countdownSeconds*1000
	if err := r.store.SetMeta(ctx, types.MetaKeyDestructionTime, strconv.FormatInt(destructionTime, 10)); err != nil {
		return 0, err
	}

	r.armDestructionLocked(destructionTime)
	r.broadcastLocked(destructionTickFrame(countdownSeconds, destructionTime))

	logging.Info(ctx, "Destruction scheduled",
		zap.String("room", string(r.ID)),
		zap.Int64("countdownSeconds", countdownSeconds),
		zap.Int64("destructionTime", destructionTime))
	return destructionTime, nil
}

// CancelDestruction clears a scheduled destruction. Idempotent.
func (r *Room) CancelDestruction(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeleteMeta(ctx, types.MetaKeyDestructionTime); err != nil {
		return err
	}
	r.disarmDestructionLocked()
	r.broadcastLocked(destructionCancelledFrame())

	logging.Info(ctx, "Destruction cancelled", zap.String("room", string(r.ID)))
	return nil
}

// DestructionTime returns the scheduled destruction epoch in ms, or 0.
func (r *Room) DestructionTime() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destructionTime
}

// armDestructionLocked replaces any armed timer with one firing at
// destructionTime and starts the 1-second countdown broadcast.
// Caller holds r.mu.
func (r *Room) armDestructionLocked(destructionTime int64) {
	if r.destructionCancel == nil {
		metrics.PendingDestructions.Inc()
	} else {
		r.destructionCancel()
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.destructionCancel = cancel
	r.destructionTime = destructionTime

	r.wg.Add(1)
	go r.runDestruction(ctx, destructionTime)
}

// disarmDestructionLocked stops the timer and interval if armed.
// Caller holds r.mu.
func (r *Room) disarmDestructionLocked() {
	if r.destructionCancel == nil {
		return
	}
	r.destructionCancel()
	r.destructionCancel = nil
	r.destructionTime = 0
	metrics.PendingDestructions.Dec()
}

// runDestruction broadcasts the remaining countdown every second until
// the deadline, then executes the destruction. Cancellation stops it
// between ticks; a cancel or replacement that wins r.mu during the
// final tick is honored, the schedule's ctx is re-checked under the
// lock before anything irreversible happens.
func (r *Room) runDestruction(ctx context.Context, destructionTime int64) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			remainingMs := destructionTime - now.UnixMilli()
			r.mu.Lock()
			if ctx.Err() != nil {
				r.mu.Unlock()
				return
			}
			if remainingMs <= 0 {
				r.destroyLocked()
				return
			}
			r.broadcastLocked(destructionTickFrame((remainingMs+999)/1000, destructionTime))
			r.mu.Unlock()
		}
	}
}

// ExecuteDestruction is the terminal operation: announce, close every
// session, delete every referenced blob (continuing past failures), and
// wipe persisted state back to an empty schema.
func (r *Room) ExecuteDestruction() {
	r.mu.Lock()
	r.destroyLocked()
}

// destroyLocked does the destruction work. It is entered with r.mu held
// and releases it before invoking the onEmpty callback.
func (r *Room) destroyLocked() {
	logging.Info(r.ctx, "Executing destruction", zap.String("room", string(r.ID)))

	r.broadcastLocked(roomDestroyedFrame())
	for client := range r.sessions {
		client.Disconnect("room destroyed")
		metrics.DecSession()
	}
	r.sessions = make(map[types.ClientInterface]*sessionState)
	r.updateSessionGaugeLocked()

	if r.destructionCancel != nil {
		r.destructionCancel()
		r.destructionCancel = nil
		metrics.PendingDestructions.Dec()
	}
	r.destructionTime = 0

	keys, err := r.store.FileKeys(r.ctx)
	if err != nil {
		logging.Error(r.ctx, "Failed to enumerate file references",
			zap.String("room", string(r.ID)), zap.Error(err))
	}
	for _, key := range keys {
		if err := r.blobs.Delete(r.ctx, key); err != nil {
			logging.Error(r.ctx, "Failed to delete blob",
				zap.String("room", string(r.ID)), zap.String("key", key), zap.Error(err))
		}
	}

	if err := r.store.Wipe(r.ctx); err != nil {
		logging.Error(r.ctx, "Failed to wipe room store",
			zap.String("room", string(r.ID)), zap.Error(err))
	}

	r.lastTimestamp = 0
	metrics.RoomsDestroyed.Inc()

	onEmpty := r.onEmpty
	r.mu.Unlock()

	if onEmpty != nil {
		onEmpty(r.ID)
	}
}

// resumeDestruction re-arms a destruction scheduled before a restart.
// A deadline already in the past destroys the room immediately.
func (r *Room) resumeDestruction() error {
	destructionTime, err := r.readDestructionTime(r.ctx)
	if err != nil {
		return err
	}
	if destructionTime == 0 {
		return nil
	}

	if destructionTime <= time.Now().UnixMilli() {
		logging.Info(r.ctx, "Resuming overdue destruction", zap.String("room", string(r.ID)))
		r.ExecuteDestruction()
		return nil
	}

	r.mu.Lock()
	r.armDestructionLocked(destructionTime)
	r.mu.Unlock()
	logging.Info(r.ctx, "Resumed scheduled destruction",
		zap.String("room", string(r.ID)), zap.Int64("destructionTime", destructionTime))
	return nil
}
