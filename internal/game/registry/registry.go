// Package registry owns the live rooms of the process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/storage"
)

const defaultLoadTimeout = 10 * time.Second

// Registry maps room ids to the single live Room for each id. Rooms are
// created on first use and live until Shutdown.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room
	group singleflight.Group

	gateway     storage.Gateway
	deps        room.Deps
	loadTimeout time.Duration
	logger      *zap.Logger
}

// New creates a Registry that loads rooms through gateway and builds them
// with deps. The gateway also becomes the rooms' checkpointer.
//
// Precondition: gateway and logger must be non-nil.
func New(gateway storage.Gateway, deps room.Deps, logger *zap.Logger) *Registry {
	deps.Checkpointer = gateway
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Registry{
		rooms:       make(map[string]*room.Room),
		gateway:     gateway,
		deps:        deps,
		loadTimeout: defaultLoadTimeout,
		logger:      logger,
	}
}

// Get returns the live room for id, if any.
func (r *Registry) Get(id string) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	return rm, ok
}

// GetOrCreate returns the live room for id, loading its snapshot or creating
// a fresh room on first use. Concurrent callers for the same id share one load.
//
// Postcondition: On error wrapping storage.ErrUnavailable no room is registered.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*room.Room, error) {
	if rm, ok := r.Get(id); ok {
		return rm, nil
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		if rm, ok := r.Get(id); ok {
			return rm, nil
		}
		return r.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*room.Room), nil
}

func (r *Registry) load(ctx context.Context, id string) (*room.Room, error) {
	start := time.Now()
	// The load is shared by every waiting caller; one caller leaving must not fail the rest.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
	defer cancel()

	var rm *room.Room
	rec, err := r.gateway.Load(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rm = room.New(id, r.deps)
		r.logger.Info("room created", zap.String("room_id", id), zap.Duration("elapsed", time.Since(start)))
	case err != nil:
		r.logger.Warn("loading room", zap.String("room_id", id), zap.Error(err))
		return nil, fmt.Errorf("loading room %s: %w: %w", id, storage.ErrUnavailable, err)
	default:
		rec.ID = id
		rm = room.Restore(rec, r.deps)
		r.logger.Info("room loaded", zap.String("room_id", id), zap.Duration("elapsed", time.Since(start)))
	}

	r.mu.Lock()
	r.rooms[id] = rm
	r.mu.Unlock()
	return rm, nil
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Shutdown cancels in-flight generations in every room, waits for them and
// their checkpoints to finish, then writes a final checkpoint per room.
//
// Postcondition: Returns an error if ctx expired first or any final
// checkpoint failed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	rooms := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	for _, rm := range rooms {
		rm.Close()
	}
	done := make(chan struct{})
	go func() {
		for _, rm := range rooms {
			rm.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("draining rooms: %w", ctx.Err())
	}

	var errs []error
	for _, rm := range rooms {
		if err := rm.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("rooms drained", zap.Int("rooms", len(rooms)), zap.Int("flush_failures", len(errs)))
	return errors.Join(errs...)
}
