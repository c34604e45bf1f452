package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tasksync/backend/internal/cache"
	"tasksync/backend/internal/models"
	"tasksync/backend/internal/repositories"

	"github.com/gofrs/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const DefaultTitleMaxLength = models.TitleColumnSize

// MutationResult is the mutated task plus every target the change could not
// reach. The task's own change is committed either way.
type MutationResult struct {
	Task     *models.Task
	Failures []SyncFailure
}

func (r *MutationResult) Warnings() []string {
	warnings := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		warnings = append(warnings, f.Warning())
	}
	return warnings
}

// SyncChangesInput overwrites the fields whose Set flag is true.
type SyncChangesInput struct {
	Completed   *bool
	Subtasks    models.Subtasks
	SetSubtasks bool
	DueDate     string
	SetDueDate  bool
}

type TaskService interface {
	CreateTask(ctx context.Context, owner uuid.UUID, title, dueDate string) (*models.Task, error)
	ListTasks(ctx context.Context, owner uuid.UUID) ([]models.Task, error)
	GetTask(ctx context.Context, id, owner uuid.UUID) (*models.Task, error)
	SetCompletion(ctx context.Context, id, owner uuid.UUID, completed bool) (*MutationResult, error)
	AddSubtask(ctx context.Context, id, owner uuid.UUID, title string) (*MutationResult, error)
	RemoveSubtask(ctx context.Context, id, owner uuid.UUID, index int) (*MutationResult, error)
	ToggleSubtask(ctx context.Context, id, owner uuid.UUID, index int, completed bool) (*MutationResult, error)
	SetDueDate(ctx context.Context, id, owner uuid.UUID, dueDate string) (*MutationResult, error)
	DeleteTask(ctx context.Context, id, owner uuid.UUID) error
	SyncChanges(ctx context.Context, id, owner uuid.UUID, in SyncChangesInput) (*MutationResult, error)
}

type TaskServiceConfig struct {
	DB             *gorm.DB
	Tasks          *repositories.TaskRepository
	Propagator     *Propagator
	Cache          ListCache
	TitleMaxLength int
	Logger         *slog.Logger
	Now            func() time.Time
}

type TaskServiceImpl struct {
	db         *gorm.DB
	tasks      *repositories.TaskRepository
	propagator *Propagator
	cache      ListCache
	titleMax   int
	logger     *slog.Logger
	now        func() time.Time
	fills      singleflight.Group
}

func NewTaskService(cfg TaskServiceConfig) *TaskServiceImpl {
	s := &TaskServiceImpl{
		db:         cfg.DB,
		tasks:      cfg.Tasks,
		propagator: cfg.Propagator,
		cache:      cfg.Cache,
		titleMax:   cfg.TitleMaxLength,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if s.cache == nil {
		s.cache = noopCache{}
	}
	if s.titleMax <= 0 || s.titleMax > models.TitleColumnSize {
		s.titleMax = DefaultTitleMaxLength
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.propagator == nil {
		s.propagator = NewPropagator(PropagatorConfig{Tasks: cfg.Tasks, Cache: s.cache, Logger: s.logger, Now: s.now})
	}
	return s
}

func (s *TaskServiceImpl) CreateTask(ctx context.Context, owner uuid.UUID, title, dueDate string) (*models.Task, error) {
	title, err := validateTitle(title, s.titleMax, "Title")
	if err != nil {
		return nil, err
	}
	due, err := ParseDueDate(dueDate)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		UserID:  owner,
		Title:   title,
		DueDate: due,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, owner)
	return task, nil
}

// ListTasks returns every task owner holds, originals and received copies,
// newest first. Concurrent misses for the same owner share one query.
func (s *TaskServiceImpl) ListTasks(ctx context.Context, owner uuid.UUID) ([]models.Task, error) {
	var tasks []models.Task
	if s.cache.Get(ctx, cache.OwnedTasks, owner, &tasks) {
		return tasks, nil
	}

	v, err, _ := s.fills.Do(cache.ListKey(cache.OwnedTasks, owner), func() (interface{}, error) {
		gen := s.cache.Generation(owner)
		found, err := s.tasks.FindByOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		if found == nil {
			found = []models.Task{}
		}
		s.cache.Set(ctx, cache.OwnedTasks, owner, gen, found)
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Task), nil
}

func (s *TaskServiceImpl) GetTask(ctx context.Context, id, owner uuid.UUID) (*models.Task, error) {
	task, err := s.tasks.FindOwned(ctx, id, owner)
	if err != nil {
		return nil, notFoundOr(err, "Task not found")
	}
	return task, nil
}

func (s *TaskServiceImpl) SetCompletion(ctx context.Context, id, owner uuid.UUID, completed bool) (*MutationResult, error) {
	return s.mutate(ctx, id, owner, models.SetCompletion{Completed: completed})
}

func (s *TaskServiceImpl) AddSubtask(ctx context.Context, id, owner uuid.UUID, title string) (*MutationResult, error) {
	title, err := validateTitle(title, s.titleMax, "Subtask title")
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, owner, models.AddSubtask{Title: title})
}

func (s *TaskServiceImpl) RemoveSubtask(ctx context.Context, id, owner uuid.UUID, index int) (*MutationResult, error) {
	return s.mutate(ctx, id, owner, models.RemoveSubtask{Index: index})
}

func (s *TaskServiceImpl) ToggleSubtask(ctx context.Context, id, owner uuid.UUID, index int, completed bool) (*MutationResult, error) {
	return s.mutate(ctx, id, owner, models.ToggleSubtask{Index: index, Completed: completed})
}

func (s *TaskServiceImpl) SetDueDate(ctx context.Context, id, owner uuid.UUID, dueDate string) (*MutationResult, error) {
	due, err := ParseDueDate(dueDate)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, owner, models.SetDueDate{DueDate: due})
}

// SyncChanges overwrites the given fields on the caller's task and then pushes
// the task's full resulting state to every linked instance.
func (s *TaskServiceImpl) SyncChanges(ctx context.Context, id, owner uuid.UUID, in SyncChangesInput) (*MutationResult, error) {
	m := models.SyncState{Completed: in.Completed}
	if in.SetSubtasks {
		subtasks := make(models.Subtasks, 0, len(in.Subtasks))
		for _, st := range in.Subtasks {
			title, err := validateTitle(st.Title, s.titleMax, "Subtask title")
			if err != nil {
				return nil, err
			}
			subtasks = append(subtasks, models.Subtask{Title: title, Completed: st.Completed})
		}
		m.Subtasks = subtasks
		m.SetSubtasks = true
	}
	if in.SetDueDate {
		due, err := ParseDueDate(in.DueDate)
		if err != nil {
			return nil, err
		}
		m.DueDate = due
		m.SetDueDate = true
	}

	task, err := s.apply(ctx, id, owner, m)
	if err != nil {
		return nil, err
	}

	completed := task.Completed
	full := models.SyncState{
		Completed:   &completed,
		Subtasks:    task.Subtasks.Clone(),
		SetSubtasks: true,
		DueDate:     task.DueDate,
		SetDueDate:  true,
	}
	failures := s.propagator.Propagate(ctx, task, full)
	return &MutationResult{Task: task, Failures: failures}, nil
}

// DeleteTask removes the task. Deleting an original removes all of its copies
// in the same transaction; deleting a copy leaves the original untouched.
func (s *TaskServiceImpl) DeleteTask(ctx context.Context, id, owner uuid.UUID) error {
	task, err := s.tasks.FindOwned(ctx, id, owner)
	if err != nil {
		return notFoundOr(err, "Task not found")
	}

	affected := []uuid.UUID{owner}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tasks := s.tasks.WithTx(tx)

		if !task.IsShared {
			copies, err := tasks.FindCopies(ctx, task.ID, nil)
			if err != nil {
				return err
			}
			for _, c := range copies {
				affected = append(affected, c.UserID)
			}
			if len(copies) > 0 {
				if _, err := tasks.DeleteCopies(ctx, task.ID); err != nil {
					return err
				}
			}
		}

		return tasks.Delete(ctx, task.ID)
	})
	if err != nil {
		return notFoundOr(err, "Task not found")
	}

	if len(affected) > 1 {
		s.logger.Info("deleted shared task with copies", "task_id", task.ID, "copies", len(affected)-1)
	}
	s.cache.Invalidate(ctx, affected...)
	return nil
}

func (s *TaskServiceImpl) mutate(ctx context.Context, id, owner uuid.UUID, m models.Mutation) (*MutationResult, error) {
	task, err := s.apply(ctx, id, owner, m)
	if err != nil {
		return nil, err
	}
	failures := s.propagator.Propagate(ctx, task, m)
	return &MutationResult{Task: task, Failures: failures}, nil
}

// apply loads the owner's task, applies m and persists it. Nothing else is
// touched.
func (s *TaskServiceImpl) apply(ctx context.Context, id, owner uuid.UUID, m models.Mutation) (*models.Task, error) {
	task, err := s.tasks.FindOwned(ctx, id, owner)
	if err != nil {
		return nil, notFoundOr(err, "Task not found")
	}

	changed, err := m.Apply(task)
	if err != nil {
		return nil, mutationError(err)
	}
	if changed {
		task.UpdatedAt = s.now()
		if err := s.tasks.SaveState(ctx, task); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, notFoundError("Task not found")
			}
			return nil, err
		}
	}
	return task, nil
}
