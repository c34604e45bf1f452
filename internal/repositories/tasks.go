package repositories

import (
	"context"
	"errors"
	"fmt"

	"tasksync/backend/internal/models"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a record does not exist or is not visible to the caller.
var ErrNotFound = errors.New("record not found")

// TaskRepository stores task documents. Every write touches a single row.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *TaskRepository) WithTx(tx *gorm.DB) *TaskRepository {
	return &TaskRepository{db: tx}
}

func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (r *TaskRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translate(err, "task")
	}
	return &task, nil
}

// TitlesByID maps each existing task id to its title.
func (r *TaskRepository) TitlesByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	titles := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return titles, nil
	}
	var tasks []models.Task
	if err := r.db.WithContext(ctx).Select("id", "title").Where("id IN ?", ids).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to load task titles: %w", err)
	}
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	return titles, nil
}

// FindOwned returns the task only when it belongs to owner.
func (r *TaskRepository) FindOwned(ctx context.Context, id, owner uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, owner).
		First(&task).Error
	if err != nil {
		return nil, translate(err, "task")
	}
	return &task, nil
}

// FindOwnedCopy returns the task only when it belongs to owner and is a received copy.
func (r *TaskRepository) FindOwnedCopy(ctx context.Context, id, owner uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_shared = ?", id, owner, true).
		First(&task).Error
	if err != nil {
		return nil, translate(err, "task")
	}
	return &task, nil
}

// FindByOwner lists every task owned by owner, newest first.
func (r *TaskRepository) FindByOwner(ctx context.Context, owner uuid.UUID) ([]models.Task, error) {
	var tasks []models.Task
	err := r.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("created_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// FindCopiesOwnedBy lists the copies owner received through sharing, newest first.
func (r *TaskRepository) FindCopiesOwnedBy(ctx context.Context, owner uuid.UUID) ([]models.Task, error) {
	var tasks []models.Task
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_shared = ?", owner, true).
		Order("created_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list shared tasks: %w", err)
	}
	return tasks, nil
}

// FindCopies lists every copy forked from originalID, optionally skipping one.
func (r *TaskRepository) FindCopies(ctx context.Context, originalID uuid.UUID, exclude *uuid.UUID) ([]models.Task, error) {
	query := r.db.WithContext(ctx).Where("shared_task_id = ?", originalID)
	if exclude != nil {
		query = query.Where("id <> ?", *exclude)
	}

	var tasks []models.Task
	if err := query.Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list copies: %w", err)
	}
	return tasks, nil
}

// FindCopyFor returns owner's copy of originalID, if one exists.
func (r *TaskRepository) FindCopyFor(ctx context.Context, originalID, owner uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).
		Where("shared_task_id = ? AND user_id = ?", originalID, owner).
		First(&task).Error
	if err != nil {
		return nil, translate(err, "task")
	}
	return &task, nil
}

// SaveState writes the mutable content fields of task.
func (r *TaskRepository) SaveState(ctx context.Context, task *models.Task) error {
	result := r.db.WithContext(ctx).
		Model(task).
		Select("completed", "subtasks", "due_date", "updated_at").
		Updates(task)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSharedWith writes the sharing bookkeeping of an original.
func (r *TaskRepository) SaveSharedWith(ctx context.Context, task *models.Task) error {
	result := r.db.WithContext(ctx).
		Model(task).
		Select("shared_with", "updated_at").
		Updates(task)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update sharing: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCopies removes every copy forked from originalID.
func (r *TaskRepository) DeleteCopies(ctx context.Context, originalID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&models.Task{}, "shared_task_id = ?", originalID)
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to delete copies: %w", err)
	}
	return result.RowsAffected, nil
}

func translate(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to find %s: %w", what, err)
}
