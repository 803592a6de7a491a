package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const checkpointFailedNotice = "Warning: the game could not be saved. Progress is kept and saving will be retried after the next turn."

// SaveNow persists the room synchronously.
//
// Postcondition: Returns nil if no checkpointer is configured.
func (r *Room) SaveNow(ctx context.Context, playerID string) error {
	r.mu.Lock()
	if _, ok := r.players[playerID]; !ok {
		r.mu.Unlock()
		return ErrUnknownPlayer
	}
	r.version++
	v := r.version
	rec := r.recordLocked()
	r.mu.Unlock()
	return r.save(ctx, v, rec)
}

// Flush persists the room's current state, including messages posted
// since the last checkpoint. A room nobody ever joined is not written.
func (r *Room) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.players) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.version++
	v := r.version
	rec := r.recordLocked()
	r.mu.Unlock()
	return r.save(ctx, v, rec)
}

// checkpointLocked saves the current snapshot in the background. A failure
// is logged and announced; in-memory state is never rolled back. After
// Close nothing is started; Flush writes the final state instead.
func (r *Room) checkpointLocked() {
	if r.cp == nil || r.closed {
		return
	}
	r.version++
	v := r.version
	rec := r.recordLocked()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.CheckpointTimeout)
		defer cancel()
		if err := r.save(ctx, v, rec); err != nil {
			r.Announce(checkpointFailedNotice)
		}
	}()
}

// save writes rec unless a newer snapshot has already been written.
func (r *Room) save(ctx context.Context, v uint64, rec Record) error {
	if r.cp == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if v <= r.savedVersion {
		return nil
	}
	start := time.Now()
	if err := r.cp.Save(ctx, r.id, rec); err != nil {
		r.logger.Warn("checkpoint failed", zap.Uint64("version", v), zap.Error(err))
		return fmt.Errorf("saving room %s: %w", r.id, err)
	}
	r.savedVersion = v
	r.logger.Debug("checkpoint saved",
		zap.Uint64("version", v),
		zap.Int("messages", len(rec.Messages)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
