package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tasksync/backend/internal/models"
	"tasksync/backend/internal/worker"
)

// ResyncHandler returns the worker handler that replays a missed mutation on
// its target. Targets that diverged are dead-lettered instead of retried.
func (p *Propagator) ResyncHandler() worker.JobHandler {
	return func(ctx context.Context, job *worker.Job) error {
		var payload worker.ResyncPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return worker.Permanent(fmt.Errorf("failed to decode resync payload: %w", err))
		}

		m, err := models.DecodeMutation(payload.Mutation)
		if err != nil {
			return worker.Permanent(err)
		}

		if err := p.Replay(ctx, payload.TargetID, m); err != nil {
			if errors.Is(err, ErrConsistency) {
				return worker.Permanent(err)
			}
			return err
		}

		p.logger.Info("resync applied", "job_id", job.ID, "task_id", payload.SourceID, "target_id", payload.TargetID, "mutation", m.Kind())
		return nil
	}
}
