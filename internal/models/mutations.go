package models

import (
	"errors"
	"fmt"
	"time"
)

// Mutation kinds, used on the wire by the resync queue and in logs.
const (
	MutationSetCompletion = "set_completion"
	MutationAddSubtask    = "add_subtask"
	MutationRemoveSubtask = "remove_subtask"
	MutationToggleSubtask = "toggle_subtask"
	MutationSetDueDate    = "set_due_date"
	MutationSyncState     = "sync_state"
)

var ErrUnknownMutation = errors.New("unknown mutation kind")

// A Mutation is a structural change to one task instance. Apply performs the
// change and then the instance's own completion cascade, so replaying the same
// value on an original and each of its copies keeps every instance internally
// consistent even when their derived state has drifted.
type Mutation interface {
	Kind() string
	Apply(t *Task) (changed bool, err error)
	Record() MutationRecord
}

// MutationRecord is the serialized form of a Mutation.
type MutationRecord struct {
	Kind        string     `json:"kind"`
	Completed   *bool      `json:"completed,omitempty"`
	Index       int        `json:"index,omitempty"`
	Title       string     `json:"title,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Subtasks    Subtasks   `json:"subtasks,omitempty"`
	SetSubtasks bool       `json:"set_subtasks,omitempty"`
	SetDueDate  bool       `json:"set_due_date,omitempty"`
}

// SetCompletion sets the parent flag and forces every subtask to the same value.
type SetCompletion struct {
	Completed bool
}

func (m SetCompletion) Kind() string { return MutationSetCompletion }

func (m SetCompletion) Apply(t *Task) (bool, error) {
	changed := t.Completed != m.Completed
	t.Completed = m.Completed
	if t.Subtasks.SetAll(m.Completed) {
		changed = true
	}
	return changed, nil
}

func (m SetCompletion) Record() MutationRecord {
	c := m.Completed
	return MutationRecord{Kind: m.Kind(), Completed: &c}
}

// AddSubtask appends an incomplete subtask. The parent flag is left as is.
type AddSubtask struct {
	Title string
}

func (m AddSubtask) Kind() string { return MutationAddSubtask }

func (m AddSubtask) Apply(t *Task) (bool, error) {
	t.Subtasks.Append(m.Title)
	return true, nil
}

func (m AddSubtask) Record() MutationRecord {
	return MutationRecord{Kind: m.Kind(), Title: m.Title}
}

// RemoveSubtask deletes the subtask at the current position Index.
type RemoveSubtask struct {
	Index int
}

func (m RemoveSubtask) Kind() string { return MutationRemoveSubtask }

func (m RemoveSubtask) Apply(t *Task) (bool, error) {
	if err := t.Subtasks.RemoveAt(m.Index); err != nil {
		return false, err
	}
	return true, nil
}

func (m RemoveSubtask) Record() MutationRecord {
	return MutationRecord{Kind: m.Kind(), Index: m.Index}
}

// ToggleSubtask sets one subtask's flag, then recomputes the parent flag as the
// AND over all subtasks when that differs from the current value.
type ToggleSubtask struct {
	Index     int
	Completed bool
}

func (m ToggleSubtask) Kind() string { return MutationToggleSubtask }

func (m ToggleSubtask) Apply(t *Task) (bool, error) {
	changed, err := t.Subtasks.SetCompleted(m.Index, m.Completed)
	if err != nil {
		return false, err
	}
	if all := t.Subtasks.AllCompleted(); all != t.Completed {
		t.Completed = all
		changed = true
	}
	return changed, nil
}

func (m ToggleSubtask) Record() MutationRecord {
	c := m.Completed
	return MutationRecord{Kind: m.Kind(), Index: m.Index, Completed: &c}
}

// SetDueDate sets or, with a nil DueDate, clears the due date.
type SetDueDate struct {
	DueDate *time.Time
}

func (m SetDueDate) Kind() string { return MutationSetDueDate }

func (m SetDueDate) Apply(t *Task) (bool, error) {
	if sameTime(t.DueDate, m.DueDate) {
		return false, nil
	}
	if m.DueDate == nil {
		t.DueDate = nil
	} else {
		d := *m.DueDate
		t.DueDate = &d
	}
	return true, nil
}

func (m SetDueDate) Record() MutationRecord {
	return MutationRecord{Kind: m.Kind(), DueDate: m.DueDate, SetDueDate: true}
}

// SyncState overwrites whichever fields are present. It backs the manual
// resync endpoint and is the only mutation that replaces the subtask array
// wholesale.
type SyncState struct {
	Completed   *bool
	Subtasks    Subtasks
	SetSubtasks bool
	DueDate     *time.Time
	SetDueDate  bool
}

func (m SyncState) Kind() string { return MutationSyncState }

func (m SyncState) Apply(t *Task) (bool, error) {
	changed := false
	if m.Completed != nil && t.Completed != *m.Completed {
		t.Completed = *m.Completed
		changed = true
	}
	if m.SetSubtasks {
		t.Subtasks = m.Subtasks.Clone()
		changed = true
	}
	if m.SetDueDate {
		c, _ := SetDueDate{DueDate: m.DueDate}.Apply(t)
		changed = changed || c
	}
	return changed, nil
}

func (m SyncState) Record() MutationRecord {
	return MutationRecord{
		Kind:        m.Kind(),
		Completed:   m.Completed,
		Subtasks:    m.Subtasks,
		SetSubtasks: m.SetSubtasks,
		DueDate:     m.DueDate,
		SetDueDate:  m.SetDueDate,
	}
}

// DecodeMutation rebuilds a Mutation from its record.
func DecodeMutation(rec MutationRecord) (Mutation, error) {
	switch rec.Kind {
	case MutationSetCompletion:
		if rec.Completed == nil {
			return nil, fmt.Errorf("%s: missing completed", rec.Kind)
		}
		return SetCompletion{Completed: *rec.Completed}, nil
	case MutationAddSubtask:
		return AddSubtask{Title: rec.Title}, nil
	case MutationRemoveSubtask:
		return RemoveSubtask{Index: rec.Index}, nil
	case MutationToggleSubtask:
		if rec.Completed == nil {
			return nil, fmt.Errorf("%s: missing completed", rec.Kind)
		}
		return ToggleSubtask{Index: rec.Index, Completed: *rec.Completed}, nil
	case MutationSetDueDate:
		return SetDueDate{DueDate: rec.DueDate}, nil
	case MutationSyncState:
		return SyncState{
			Completed:   rec.Completed,
			Subtasks:    rec.Subtasks,
			SetSubtasks: rec.SetSubtasks,
			DueDate:     rec.DueDate,
			SetDueDate:  rec.SetDueDate,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutation, rec.Kind)
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
