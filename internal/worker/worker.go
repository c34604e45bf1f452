package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tasksync/backend/internal/models"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
)

type JobType string

const (
	// JobTypeResyncCopy replays a mutation on a linked task that missed it.
	JobTypeResyncCopy JobType = "resync_copy"
)

const (
	DefaultQueue       = "resync"
	DefaultMaxTries    = 5
	defaultBaseBackoff = 2 * time.Second
	maxBackoff         = 10 * time.Minute
	popTimeout         = 5 * time.Second
	jobTimeout         = 30 * time.Second
)

type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	MaxTries  int             `json:"max_tries"`
	CreatedAt time.Time       `json:"created_at"`
	ProcessAt time.Time       `json:"process_at"`
}

// ResyncPayload names the instance to repair and the mutation it missed.
type ResyncPayload struct {
	SourceID uuid.UUID             `json:"source_id"`
	TargetID uuid.UUID             `json:"target_id"`
	Mutation models.MutationRecord `json:"mutation"`
}

type deadJob struct {
	Job      *Job      `json:"original_job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type JobHandler func(ctx context.Context, job *Job) error

// PermanentError tells the worker not to retry a job.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func retryKey(queue string) string { return queue + ":retry" }
func deadKey(queue string) string  { return queue + ":dead" }

type Worker struct {
	client      *redis.Client
	handlers    map[JobType]JobHandler
	queue       string
	concurrency int
	poll        time.Duration
	baseBackoff time.Duration
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.RWMutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type WorkerConfig struct {
	RedisClient  *redis.Client
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	BaseBackoff  time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func NewWorker(config WorkerConfig) *Worker {
	w := &Worker{
		client:      config.RedisClient,
		handlers:    make(map[JobType]JobHandler),
		queue:       config.Queue,
		concurrency: config.Concurrency,
		poll:        config.PollInterval,
		baseBackoff: config.BaseBackoff,
		logger:      config.Logger,
		now:         config.Now,
	}
	if w.queue == "" {
		w.queue = DefaultQueue
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.poll <= 0 {
		w.poll = time.Second
	}
	if w.baseBackoff <= 0 {
		w.baseBackoff = defaultBaseBackoff
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Worker) RegisterHandler(jobType JobType, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// Start launches the consumer goroutines and the retry promoter. They run
// until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("starting worker", "queue", w.queue, "concurrency", w.concurrency)

	w.wg.Add(1)
	go w.promoteLoop(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx)
	}
}

func (w *Worker) Stop() {
	w.logger.Info("stopping worker")
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) workerLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := w.processNextJob(ctx, popTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("error processing job", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to promote retries", "error", err)
			}
		}
	}
}

// PromoteDue moves every retry whose time has come back onto the main queue.
func (w *Worker) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(w.now().UnixMilli(), 10)
	due, err := w.client.ZRangeByScore(ctx, retryKey(w.queue), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read retries: %w", err)
	}

	moved := 0
	for _, data := range due {
		removed, err := w.client.ZRem(ctx, retryKey(w.queue), data).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to claim retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := w.client.RPush(ctx, w.queue, data).Err(); err != nil {
			return moved, fmt.Errorf("failed to requeue retry: %w", err)
		}
		moved++
	}
	return moved, nil
}

func (w *Worker) processNextJob(ctx context.Context, timeout time.Duration) error {
	result, err := w.client.BLPop(ctx, timeout, w.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to pop job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if w.now().Before(job.ProcessAt) {
		return w.schedule(ctx, &job)
	}

	return w.executeJob(ctx, &job)
}

func (w *Worker) executeJob(ctx context.Context, job *Job) error {
	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	if !exists {
		return w.moveToDeadQueue(ctx, job, fmt.Errorf("no handler registered for job type: %s", job.Type))
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	err := handler(jobCtx, job)
	if err == nil {
		w.logger.Debug("job completed", "job_id", job.ID, "type", job.Type)
		return nil
	}

	job.Attempts++
	var permanent *PermanentError
	if !errors.As(err, &permanent) && job.Attempts < job.MaxTries {
		job.ProcessAt = w.now().Add(w.backoff(job.Attempts))
		w.logger.Warn("job failed, retrying",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_tries", job.MaxTries,
			"retry_at", job.ProcessAt,
			"error", err,
		)
		return w.schedule(ctx, job)
	}

	w.logger.Error("job failed permanently", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", err)
	return w.moveToDeadQueue(ctx, job, err)
}

// backoff doubles from the base delay per attempt, capped at maxBackoff.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (w *Worker) schedule(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return w.client.ZAdd(ctx, retryKey(w.queue), redis.Z{
		Score:  float64(job.ProcessAt.UnixMilli()),
		Member: data,
	}).Err()
}

func (w *Worker) moveToDeadQueue(ctx context.Context, job *Job, jobErr error) error {
	data, err := json.Marshal(deadJob{Job: job, Error: jobErr.Error(), FailedAt: w.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead job: %w", err)
	}
	return w.client.RPush(ctx, deadKey(w.queue), data).Err()
}

// JobQueue is the producer side of a worker queue.
type JobQueue struct {
	client   *redis.Client
	queue    string
	maxTries int
	now      func() time.Time
}

func NewJobQueue(client *redis.Client, queue string, maxTries int) *JobQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	return &JobQueue{client: client, queue: queue, maxTries: maxTries, now: time.Now}
}

func (q *JobQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}) (*Job, error) {
	return q.EnqueueAt(ctx, jobType, payload, q.now())
}

func (q *JobQueue) EnqueueAt(ctx context.Context, jobType JobType, payload interface{}, processAt time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        id.String(),
		Type:      jobType,
		Payload:   raw,
		MaxTries:  q.maxTries,
		CreatedAt: q.now(),
		ProcessAt: processAt,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := q.client.RPush(ctx, q.queue, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// EnqueueResync schedules a replay of rec onto targetID.
func (q *JobQueue) EnqueueResync(ctx context.Context, sourceID, targetID uuid.UUID, rec models.MutationRecord) error {
	_, err := q.Enqueue(ctx, JobTypeResyncCopy, ResyncPayload{
		SourceID: sourceID,
		TargetID: targetID,
		Mutation: rec,
	})
	return err
}

func (q *JobQueue) Size(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.client.LLen(ctx, q.queue).Result()
}

func (q *JobQueue) RetrySize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, retryKey(q.queue)).Result()
}

func (q *JobQueue) DeadSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, deadKey(q.queue)).Result()
}
