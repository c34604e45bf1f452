package services

import (
	"context"

	"tasksync/backend/internal/cache"
	"tasksync/backend/internal/models"

	"github.com/gofrs/uuid"
)

// ListCache memoizes per-user list reads. Every code path that changes what a
// user would read next must call Invalidate for that user.
type ListCache interface {
	Get(ctx context.Context, kind cache.ListKind, userID uuid.UUID, dest interface{}) bool
	// Generation is read before a fill queries the store and passed to Set,
	// which drops the value if userID was invalidated in between.
	Generation(userID uuid.UUID) uint64
	Set(ctx context.Context, kind cache.ListKind, userID uuid.UUID, gen uint64, value interface{})
	Invalidate(ctx context.Context, userIDs ...uuid.UUID)
}

// ResyncQueue accepts failed propagation targets for a later replay.
type ResyncQueue interface {
	EnqueueResync(ctx context.Context, sourceID, targetID uuid.UUID, rec models.MutationRecord) error
}

// PropagationRecorder observes fan-out outcomes.
type PropagationRecorder interface {
	RecordPropagation(kind string, applied, failed int)
}

type noopCache struct{}

func (noopCache) Get(context.Context, cache.ListKind, uuid.UUID, interface{}) bool    { return false }
func (noopCache) Generation(uuid.UUID) uint64                                         { return 0 }
func (noopCache) Set(context.Context, cache.ListKind, uuid.UUID, uint64, interface{}) {}
func (noopCache) Invalidate(context.Context, ...uuid.UUID)                            {}
