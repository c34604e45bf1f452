package repositories

import (
	"context"
	"fmt"
	"time"

	"tasksync/backend/internal/models"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

// ShareRequestRepository is the ledger of share invitations.
type ShareRequestRepository struct {
	db *gorm.DB
}

func NewShareRequestRepository(db *gorm.DB) *ShareRequestRepository {
	return &ShareRequestRepository{db: db}
}

func (r *ShareRequestRepository) WithTx(tx *gorm.DB) *ShareRequestRepository {
	return &ShareRequestRepository{db: tx}
}

func (r *ShareRequestRepository) Create(ctx context.Context, req *models.ShareRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("failed to create share request: %w", err)
	}
	return nil
}

// HasPending reports whether sender already has an open request to receiver for task.
func (r *ShareRequestRepository) HasPending(ctx context.Context, sender, receiver, task uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ShareRequest{}).
		Where("sender_id = ? AND receiver_id = ? AND task_id = ? AND status = ?",
			sender, receiver, task, models.SharePending).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check pending requests: %w", err)
	}
	return count > 0, nil
}

// ListPendingFor returns the pending requests addressed to receiver, newest first.
func (r *ShareRequestRepository) ListPendingFor(ctx context.Context, receiver uuid.UUID) ([]models.ShareRequest, error) {
	var requests []models.ShareRequest
	err := r.db.WithContext(ctx).
		Where("receiver_id = ? AND status = ?", receiver, models.SharePending).
		Order("created_at DESC").
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list share requests: %w", err)
	}
	return requests, nil
}

// FindPendingFor returns request id only if it is pending and addressed to receiver.
func (r *ShareRequestRepository) FindPendingFor(ctx context.Context, id, receiver uuid.UUID) (*models.ShareRequest, error) {
	var req models.ShareRequest
	err := r.db.WithContext(ctx).
		Where("id = ? AND receiver_id = ? AND status = ?", id, receiver, models.SharePending).
		First(&req).Error
	if err != nil {
		return nil, translate(err, "share request")
	}
	return &req, nil
}

// Resolve moves a pending request to a terminal status. It returns ErrNotFound
// when the request was already resolved by someone else.
func (r *ShareRequestRepository) Resolve(ctx context.Context, req *models.ShareRequest, status models.ShareStatus, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.ShareRequest{}).
		Where("id = ? AND status = ?", req.ID, models.SharePending).
		Updates(map[string]interface{}{
			"status":       status,
			"responded_at": at,
			"updated_at":   at,
		})
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to resolve share request: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	req.Status = status
	req.RespondedAt = &at
	req.UpdatedAt = at
	return nil
}
