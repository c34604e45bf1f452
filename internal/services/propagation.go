package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tasksync/backend/internal/models"
	"tasksync/backend/internal/repositories"

	"github.com/gofrs/uuid"
)

// SyncFailure describes one propagation target that did not receive a mutation.
type SyncFailure struct {
	TargetID uuid.UUID
	OwnerID  uuid.UUID
	Err      error
	Queued   bool
}

func (f SyncFailure) Warning() string {
	if f.Queued {
		return fmt.Sprintf("task %s not synced yet, retry scheduled", f.TargetID)
	}
	return fmt.Sprintf("task %s not synced: %v", f.TargetID, f.Err)
}

// Propagator replays mutations from one task instance onto the other
// instances it is linked to. Each target update is an independent single-row
// write; a failed target never undoes the source change.
type Propagator struct {
	tasks    *repositories.TaskRepository
	cache    ListCache
	queue    ResyncQueue
	recorder PropagationRecorder
	logger   *slog.Logger
	now      func() time.Time
}

type PropagatorConfig struct {
	Tasks    *repositories.TaskRepository
	Cache    ListCache
	Queue    ResyncQueue
	Recorder PropagationRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewPropagator(cfg PropagatorConfig) *Propagator {
	p := &Propagator{
		tasks:    cfg.Tasks,
		cache:    cfg.Cache,
		queue:    cfg.Queue,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if p.cache == nil {
		p.cache = noopCache{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Propagate applies m to every instance linked to source and invalidates the
// cached lists of each affected owner and of source's owner. For a copy the
// targets are its original and sibling copies; for an original with copies,
// the copies.
func (p *Propagator) Propagate(ctx context.Context, source *models.Task, m models.Mutation) []SyncFailure {
	affected := []uuid.UUID{source.UserID}
	targets, failures := p.targets(ctx, source)

	applied := 0
	for i := range targets {
		target := &targets[i]
		affected = append(affected, target.UserID)

		err := p.replay(ctx, target, m)
		if err == nil {
			applied++
			continue
		}

		failure := SyncFailure{TargetID: target.ID, OwnerID: target.UserID, Err: err}
		if p.queue != nil && !errors.Is(err, ErrConsistency) {
			if qerr := p.queue.EnqueueResync(ctx, source.ID, target.ID, m.Record()); qerr != nil {
				p.logger.Error("failed to schedule resync", "task_id", source.ID, "target_id", target.ID, "error", qerr)
			} else {
				failure.Queued = true
			}
		}
		p.logger.Warn("propagation failed",
			"task_id", source.ID,
			"target_id", target.ID,
			"owner_id", target.UserID,
			"mutation", m.Kind(),
			"queued", failure.Queued,
			"error", err,
		)
		failures = append(failures, failure)
	}

	p.cache.Invalidate(ctx, affected...)

	if p.recorder != nil && (len(targets) > 0 || len(failures) > 0) {
		p.recorder.RecordPropagation(m.Kind(), applied, len(failures))
	}
	return failures
}

// Replay applies m to a single target by id. A target that no longer exists
// is skipped.
func (p *Propagator) Replay(ctx context.Context, targetID uuid.UUID, m models.Mutation) error {
	target, err := p.tasks.FindByID(ctx, targetID)
	if errors.Is(err, repositories.ErrNotFound) {
		p.logger.Info("resync target gone, skipping", "target_id", targetID, "mutation", m.Kind())
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.replay(ctx, target, m); err != nil {
		return err
	}
	p.cache.Invalidate(ctx, target.UserID)
	return nil
}

func (p *Propagator) targets(ctx context.Context, source *models.Task) ([]models.Task, []SyncFailure) {
	switch {
	case source.IsCopy():
		var targets []models.Task
		var failures []SyncFailure

		originalID := *source.SharedTaskID
		original, err := p.tasks.FindByID(ctx, originalID)
		switch {
		case err == nil:
			targets = append(targets, *original)
		case errors.Is(err, repositories.ErrNotFound):
			p.logger.Warn("original task missing during propagation", "task_id", source.ID, "original_id", originalID)
			failures = append(failures, SyncFailure{TargetID: originalID, Err: fmt.Errorf("%w: original task no longer exists", ErrConsistency)})
		default:
			p.logger.Error("failed to load original task", "task_id", source.ID, "original_id", originalID, "error", err)
			failures = append(failures, SyncFailure{TargetID: originalID, Err: err})
		}

		siblings, err := p.tasks.FindCopies(ctx, originalID, &source.ID)
		if err != nil {
			p.logger.Error("failed to load sibling copies", "task_id", source.ID, "error", err)
			failures = append(failures, SyncFailure{TargetID: originalID, Err: err})
		}
		return append(targets, siblings...), failures

	case source.HasCopies():
		copies, err := p.tasks.FindCopies(ctx, source.ID, nil)
		if err != nil {
			p.logger.Error("failed to load copies", "task_id", source.ID, "error", err)
			return nil, []SyncFailure{{TargetID: source.ID, Err: err}}
		}
		return copies, nil

	default:
		return nil, nil
	}
}

func (p *Propagator) replay(ctx context.Context, target *models.Task, m models.Mutation) error {
	changed, err := m.Apply(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConsistency, err)
	}
	if !changed {
		return nil
	}

	target.UpdatedAt = p.now()
	if err := p.tasks.SaveState(ctx, target); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: task was deleted during propagation", ErrConsistency)
		}
		return err
	}
	return nil
}
