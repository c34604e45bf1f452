package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tasksync/backend/internal/cache"
	"tasksync/backend/internal/models"
	"tasksync/backend/internal/repositories"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

type UserRef struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

type TaskRef struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
}

// PendingRequest is a pending share request joined with display fields.
type PendingRequest struct {
	ID        uuid.UUID          `json:"id"`
	Sender    UserRef            `json:"sender"`
	Task      TaskRef            `json:"task"`
	Status    models.ShareStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
}

// SharedTask is a received copy with the original creator's username.
type SharedTask struct {
	models.Task
	OriginalCreatorUsername string `json:"originalCreatorUsername"`
}

type ShareService interface {
	ListPending(ctx context.Context, receiver uuid.UUID) ([]PendingRequest, error)
	SendRequest(ctx context.Context, sender, taskID uuid.UUID, usernames []string) (int, error)
	Accept(ctx context.Context, requestID, receiver uuid.UUID) (*models.Task, error)
	Decline(ctx context.Context, requestID, receiver uuid.UUID) error
	ListShared(ctx context.Context, owner uuid.UUID) ([]SharedTask, error)
	Unlink(ctx context.Context, taskID, owner uuid.UUID) error
}

type ShareServiceConfig struct {
	DB       *gorm.DB
	Tasks    *repositories.TaskRepository
	Users    *repositories.UserRepository
	Requests *repositories.ShareRequestRepository
	Cache    ListCache
	Logger   *slog.Logger
	Now      func() time.Time
}

type ShareServiceImpl struct {
	db       *gorm.DB
	tasks    *repositories.TaskRepository
	users    *repositories.UserRepository
	requests *repositories.ShareRequestRepository
	cache    ListCache
	logger   *slog.Logger
	now      func() time.Time
}

func NewShareService(cfg ShareServiceConfig) *ShareServiceImpl {
	s := &ShareServiceImpl{
		db:       cfg.DB,
		tasks:    cfg.Tasks,
		users:    cfg.Users,
		requests: cfg.Requests,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.cache == nil {
		s.cache = noopCache{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ListPending returns receiver's pending requests, newest first. Requests
// whose task has since been deleted are left out.
func (s *ShareServiceImpl) ListPending(ctx context.Context, receiver uuid.UUID) ([]PendingRequest, error) {
	requests, err := s.requests.ListPendingFor(ctx, receiver)
	if err != nil {
		return nil, err
	}

	senderIDs := make([]uuid.UUID, 0, len(requests))
	taskIDs := make([]uuid.UUID, 0, len(requests))
	for _, r := range requests {
		senderIDs = append(senderIDs, r.SenderID)
		taskIDs = append(taskIDs, r.TaskID)
	}

	names, err := s.users.UsernamesByID(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	titles, err := s.tasks.TitlesByID(ctx, taskIDs)
	if err != nil {
		return nil, err
	}

	pending := make([]PendingRequest, 0, len(requests))
	for _, r := range requests {
		title, ok := titles[r.TaskID]
		if !ok {
			continue
		}
		pending = append(pending, PendingRequest{
			ID:        r.ID,
			Sender:    UserRef{ID: r.SenderID, Username: names[r.SenderID]},
			Task:      TaskRef{ID: r.TaskID, Title: title},
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
		})
	}
	return pending, nil
}

// SendRequest invites every named user to take a copy of taskID. Either every
// username resolves or nothing is created. Recipients that already have a
// pending request for the task are skipped. It returns how many requests were
// created.
func (s *ShareServiceImpl) SendRequest(ctx context.Context, sender, taskID uuid.UUID, usernames []string) (int, error) {
	names := normalizeUsernames(usernames)
	if len(names) == 0 {
		return 0, validationError("At least one username is required")
	}

	task, err := s.tasks.FindOwned(ctx, taskID, sender)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return 0, validationError("Task not found or not owned by you")
		}
		return 0, err
	}
	if task.IsShared {
		return 0, validationError("A shared copy cannot be shared again")
	}

	users, err := s.users.FindByUsernames(ctx, names)
	if err != nil {
		return 0, err
	}
	if missing := missingUsernames(names, users); len(missing) > 0 {
		return 0, validationError("Users not found: %s", strings.Join(missing, ", "))
	}
	for _, u := range users {
		if u.ID == sender {
			return 0, validationError("You cannot share a task with yourself")
		}
	}

	created := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		requests := s.requests.WithTx(tx)
		created = 0
		for _, u := range users {
			dup, err := requests.HasPending(ctx, sender, u.ID, task.ID)
			if err != nil {
				return err
			}
			if dup {
				continue
			}
			if err := requests.Create(ctx, &models.ShareRequest{
				SenderID:   sender,
				ReceiverID: u.ID,
				TaskID:     task.ID,
			}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("share requests sent", "task_id", task.ID, "sender_id", sender, "created", created, "requested", len(users))
	return created, nil
}

// Accept marks the request accepted and forks the original into a copy owned
// by receiver. The status change, the copy and the original's bookkeeping
// commit together or not at all. If receiver already holds a copy of the
// original, that copy is returned instead of forking again.
func (s *ShareServiceImpl) Accept(ctx context.Context, requestID, receiver uuid.UUID) (*models.Task, error) {
	var copyTask *models.Task
	var originalOwner uuid.UUID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		requests := s.requests.WithTx(tx)
		tasks := s.tasks.WithTx(tx)

		req, err := requests.FindPendingFor(ctx, requestID, receiver)
		if err != nil {
			return notFoundOr(err, "Share request not found")
		}

		original, err := tasks.FindByID(ctx, req.TaskID)
		if err != nil {
			return notFoundOr(err, "Original task not found")
		}

		now := s.now()
		if err := requests.Resolve(ctx, req, models.ShareAccepted, now); err != nil {
			return notFoundOr(err, "Share request not found")
		}

		existing, err := tasks.FindCopyFor(ctx, original.ID, receiver)
		switch {
		case err == nil:
			copyTask = existing
		case errors.Is(err, repositories.ErrNotFound):
			copyTask = original.Fork(receiver)
			if err := tasks.Create(ctx, copyTask); err != nil {
				return err
			}
		default:
			return err
		}

		original.AddShareEntry(receiver, now)
		original.UpdatedAt = now
		if err := tasks.SaveSharedWith(ctx, original); err != nil {
			return err
		}
		originalOwner = original.UserID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, receiver, originalOwner)
	s.logger.Info("share request accepted", "request_id", requestID, "copy_id", copyTask.ID, "original_id", copyTask.SharedTaskID)
	return copyTask, nil
}

func (s *ShareServiceImpl) Decline(ctx context.Context, requestID, receiver uuid.UUID) error {
	req, err := s.requests.FindPendingFor(ctx, requestID, receiver)
	if err != nil {
		return notFoundOr(err, "Share request not found")
	}
	if err := s.requests.Resolve(ctx, req, models.ShareDeclined, s.now()); err != nil {
		return notFoundOr(err, "Share request not found")
	}
	return nil
}

// ListShared returns the copies owner received, newest first.
func (s *ShareServiceImpl) ListShared(ctx context.Context, owner uuid.UUID) ([]SharedTask, error) {
	var shared []SharedTask
	if s.cache.Get(ctx, cache.SharedTasks, owner, &shared) {
		return shared, nil
	}

	gen := s.cache.Generation(owner)
	copies, err := s.tasks.FindCopiesOwnedBy(ctx, owner)
	if err != nil {
		return nil, err
	}

	creatorIDs := make([]uuid.UUID, 0, len(copies))
	for _, c := range copies {
		if c.OriginalCreator != nil {
			creatorIDs = append(creatorIDs, *c.OriginalCreator)
		}
	}
	names, err := s.users.UsernamesByID(ctx, creatorIDs)
	if err != nil {
		return nil, err
	}

	shared = make([]SharedTask, 0, len(copies))
	for _, c := range copies {
		st := SharedTask{Task: c}
		if c.OriginalCreator != nil {
			st.OriginalCreatorUsername = names[*c.OriginalCreator]
		}
		shared = append(shared, st)
	}

	s.cache.Set(ctx, cache.SharedTasks, owner, gen, shared)
	return shared, nil
}

// Unlink deletes owner's copy and removes owner from the original's
// sharedWith. The original's content and every other copy stay as they are.
func (s *ShareServiceImpl) Unlink(ctx context.Context, taskID, owner uuid.UUID) error {
	affected := []uuid.UUID{owner}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tasks := s.tasks.WithTx(tx)

		copyTask, err := tasks.FindOwnedCopy(ctx, taskID, owner)
		if err != nil {
			return notFoundOr(err, "Shared task not found")
		}

		if copyTask.SharedTaskID != nil {
			original, err := tasks.FindByID(ctx, *copyTask.SharedTaskID)
			switch {
			case err == nil:
				if original.RemoveShareEntry(owner) {
					original.UpdatedAt = s.now()
					if err := tasks.SaveSharedWith(ctx, original); err != nil {
						return err
					}
				}
				affected = append(affected, original.UserID)
			case errors.Is(err, repositories.ErrNotFound):
				s.logger.Warn("unlinking copy of a missing original", "task_id", copyTask.ID, "original_id", *copyTask.SharedTaskID)
			default:
				return err
			}
		}

		return tasks.Delete(ctx, copyTask.ID)
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, affected...)
	return nil
}

func normalizeUsernames(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	names := make([]string, 0, len(usernames))
	for _, raw := range usernames {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func missingUsernames(names []string, users []models.User) []string {
	found := make(map[string]struct{}, len(users))
	for _, u := range users {
		found[u.Username] = struct{}{}
	}
	var missing []string
	for _, name := range names {
		if _, ok := found[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
