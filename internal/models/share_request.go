package models

import (
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accepted"
	ShareDeclined ShareStatus = "declined"
)

// ShareRequest is a ledger entry inviting Receiver to take a copy of Task.
// Accepted and declined are terminal.
type ShareRequest struct {
	ID          uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	SenderID    uuid.UUID   `json:"sender" gorm:"type:uuid;not null;index:idx_share_sender_task,priority:1"`
	ReceiverID  uuid.UUID   `json:"receiver" gorm:"type:uuid;not null;index:idx_share_receiver_status,priority:1"`
	TaskID      uuid.UUID   `json:"task" gorm:"type:uuid;not null;index:idx_share_sender_task,priority:2"`
	Status      ShareStatus `json:"status" gorm:"size:16;not null;default:'pending';index:idx_share_receiver_status,priority:2"`
	RespondedAt *time.Time  `json:"respondedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (r *ShareRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID.IsNil() {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.Status == "" {
		r.Status = SharePending
	}
	return nil
}

func (r *ShareRequest) IsPending() bool {
	return r.Status == SharePending
}
