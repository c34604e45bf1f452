package models

import (
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

// ShareEntry records one recipient who accepted a copy of an original task.
type ShareEntry struct {
	UserID     uuid.UUID `json:"user"`
	Accepted   bool      `json:"accepted"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// TitleColumnSize is the width of the title column. Configured title limits
// may not exceed it.
const TitleColumnSize = 200

// Task is a single task document. Subtasks and SharedWith are embedded arrays
// persisted as JSON columns so that every update touches exactly one row.
//
// A task is either an original (IsShared=false) or a copy received through
// sharing (IsShared=true, SharedTaskID and OriginalCreator set).
type Task struct {
	ID        uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID  `json:"user" gorm:"type:uuid;not null;index:idx_tasks_user_created,priority:1"`
	Title     string     `json:"title" gorm:"size:200;not null"`
	Completed bool       `json:"completed" gorm:"not null;default:false"`
	Subtasks  Subtasks   `json:"subtasks" gorm:"type:text;serializer:json"`
	DueDate   *time.Time `json:"dueDate"`

	IsShared        bool         `json:"isShared" gorm:"not null;default:false;index"`
	OriginalCreator *uuid.UUID   `json:"originalCreator,omitempty" gorm:"type:uuid;index"`
	SharedTaskID    *uuid.UUID   `json:"sharedTaskId,omitempty" gorm:"type:uuid;index"`
	SharedWith      []ShareEntry `json:"sharedWith" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"index:idx_tasks_user_created,priority:2"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID.IsNil() {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.Subtasks == nil {
		t.Subtasks = Subtasks{}
	}
	if t.SharedWith == nil {
		t.SharedWith = []ShareEntry{}
	}
	return nil
}

// IsCopy reports whether the task was forked from another user's original.
func (t *Task) IsCopy() bool {
	return t.IsShared && t.SharedTaskID != nil
}

// HasCopies reports whether the task is an original with accepted recipients.
func (t *Task) HasCopies() bool {
	return !t.IsShared && len(t.SharedWith) > 0
}

// IsSharedWith reports whether userID has an entry in SharedWith.
func (t *Task) IsSharedWith(userID uuid.UUID) bool {
	for _, entry := range t.SharedWith {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

// AddShareEntry records an accepted recipient. A recipient appears at most
// once; accepting again refreshes AcceptedAt.
func (t *Task) AddShareEntry(userID uuid.UUID, at time.Time) {
	for i := range t.SharedWith {
		if t.SharedWith[i].UserID == userID {
			t.SharedWith[i].Accepted = true
			t.SharedWith[i].AcceptedAt = at
			return
		}
	}
	t.SharedWith = append(t.SharedWith, ShareEntry{UserID: userID, Accepted: true, AcceptedAt: at})
}

// RemoveShareEntry drops userID from SharedWith and reports whether it was present.
func (t *Task) RemoveShareEntry(userID uuid.UUID) bool {
	kept := t.SharedWith[:0]
	removed := false
	for _, entry := range t.SharedWith {
		if entry.UserID == userID {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	t.SharedWith = kept
	return removed
}

// Fork builds the copy of t owned by recipient. Title, completion, subtasks and
// due date are cloned as they are at this instant.
func (t *Task) Fork(recipient uuid.UUID) *Task {
	originalID := t.ID
	creator := t.UserID

	var due *time.Time
	if t.DueDate != nil {
		d := *t.DueDate
		due = &d
	}

	return &Task{
		UserID:          recipient,
		Title:           t.Title,
		Completed:       t.Completed,
		Subtasks:        t.Subtasks.Clone(),
		DueDate:         due,
		IsShared:        true,
		OriginalCreator: &creator,
		SharedTaskID:    &originalID,
		SharedWith:      []ShareEntry{},
	}
}
