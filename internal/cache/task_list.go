package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// ListKind names one of the per-user task list reads that get cached.
type ListKind string

const (
	OwnedTasks  ListKind = "tasks"
	SharedTasks ListKind = "shared_tasks"
)

var listKinds = []ListKind{OwnedTasks, SharedTasks}

// TaskListCache memoizes per-user task list reads. It is never authoritative:
// a miss or any backend failure falls through to the store.
//
// Each user has a generation that Invalidate bumps. A fill reads the
// generation before querying the store and hands it to Set, so a list read
// before an invalidation is never written back after it.
type TaskListCache struct {
	store  *MultiLevelCache
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	generations map[uuid.UUID]uint64
}

func NewTaskListCache(store *MultiLevelCache, ttl time.Duration, logger *slog.Logger) *TaskListCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskListCache{
		store:       store,
		ttl:         ttl,
		logger:      logger,
		generations: make(map[uuid.UUID]uint64),
	}
}

func ListKey(kind ListKind, userID uuid.UUID) string {
	return string(kind) + ":" + userID.String()
}

// Get fills dest and reports true on a hit.
func (c *TaskListCache) Get(ctx context.Context, kind ListKind, userID uuid.UUID, dest interface{}) bool {
	err := c.store.Get(ctx, ListKey(kind, userID), dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("task list cache read failed", "kind", kind, "user_id", userID, "error", err)
	}
	return false
}

// Generation returns userID's current invalidation count.
func (c *TaskListCache) Generation(userID uuid.UUID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

// Set stores value unless userID was invalidated after gen was read.
func (c *TaskListCache) Set(ctx context.Context, kind ListKind, userID uuid.UUID, gen uint64, value interface{}) {
	if c.Generation(userID) != gen {
		c.logger.Debug("stale task list fill dropped", "kind", kind, "user_id", userID)
		return
	}
	key := ListKey(kind, userID)
	if err := c.store.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("task list cache write failed", "kind", kind, "user_id", userID, "error", err)
		return
	}
	// An Invalidate that landed between the check and the write may have
	// deleted before we stored.
	if c.Generation(userID) != gen {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("stale task list not removed", "kind", kind, "user_id", userID, "error", err)
		}
	}
}

// Invalidate drops every cached list of each user.
func (c *TaskListCache) Invalidate(ctx context.Context, userIDs ...uuid.UUID) {
	if len(userIDs) == 0 {
		return
	}
	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	keys := make([]string, 0, len(userIDs)*len(listKinds))
	c.mu.Lock()
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c.generations[id]++
		for _, kind := range listKinds {
			keys = append(keys, ListKey(kind, id))
		}
	}
	c.mu.Unlock()
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn("task list invalidation incomplete", "users", len(seen), "error", err)
	}
}
