package models_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tasksync/backend/internal/models"

	"github.com/gofrs/uuid"
	"gorm.io/gorm/schema"
)

func newTask(subtasks ...models.Subtask) *models.Task {
	return &models.Task{
		ID:       uuid.Must(uuid.NewV4()),
		UserID:   uuid.Must(uuid.NewV4()),
		Title:    "Buy milk",
		Subtasks: models.Subtasks(subtasks),
	}
}

func TestTaskTitleColumnMatchesLimit(t *testing.T) {
	parsed, err := schema.Parse(&models.Task{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	field := parsed.LookUpField("Title")
	if field == nil {
		t.Fatal("Expected a Title field")
	}
	if field.Size != models.TitleColumnSize {
		t.Errorf("Expected title column size %d, got %d", models.TitleColumnSize, field.Size)
	}
}

func TestSetCompletion_CascadesToSubtasks(t *testing.T) {
	task := newTask(models.Subtask{Title: "a"}, models.Subtask{Title: "b", Completed: true})

	changed, err := models.SetCompletion{Completed: true}.Apply(task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !changed {
		t.Error("Expected change to be reported")
	}
	if !task.Completed {
		t.Error("Expected task to be completed")
	}
	for i, st := range task.Subtasks {
		if !st.Completed {
			t.Errorf("Expected subtask %d to be completed", i)
		}
	}

	if _, err := (models.SetCompletion{Completed: false}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if task.Completed {
		t.Error("Expected task to be incomplete")
	}
	for i, st := range task.Subtasks {
		if st.Completed {
			t.Errorf("Expected subtask %d to be incomplete", i)
		}
	}
}

func TestSetCompletion_NoSubtasks(t *testing.T) {
	task := newTask()

	if _, err := (models.SetCompletion{Completed: true}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !task.Completed {
		t.Error("Expected task to be completed")
	}
	if len(task.Subtasks) != 0 {
		t.Errorf("Expected no subtasks, got %d", len(task.Subtasks))
	}
}

func TestToggleSubtask_CompletesParentWhenAllDone(t *testing.T) {
	task := newTask(models.Subtask{Title: "a"}, models.Subtask{Title: "b"})

	if _, err := (models.ToggleSubtask{Index: 0, Completed: true}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if task.Completed {
		t.Error("Expected parent to stay incomplete while one subtask is open")
	}

	if _, err := (models.ToggleSubtask{Index: 1, Completed: true}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !task.Completed {
		t.Error("Expected parent to complete once every subtask is done")
	}

	if _, err := (models.ToggleSubtask{Index: 0, Completed: false}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if task.Completed {
		t.Error("Expected parent to reopen when a subtask is reopened")
	}
}

func TestToggleSubtask_NoRedundantChange(t *testing.T) {
	task := newTask(models.Subtask{Title: "a", Completed: true})
	task.Completed = true

	changed, err := models.ToggleSubtask{Index: 0, Completed: true}.Apply(task)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if changed {
		t.Error("Expected no change when toggling to the current value")
	}
}

func TestToggleSubtask_BadIndex(t *testing.T) {
	task := newTask(models.Subtask{Title: "a"})

	for _, idx := range []int{-1, 1, 5} {
		_, err := models.ToggleSubtask{Index: idx, Completed: true}.Apply(task)
		var indexErr *models.IndexError
		if !errors.As(err, &indexErr) {
			t.Errorf("Expected IndexError for index %d, got %v", idx, err)
		}
	}
}

func TestRemoveSubtask_ShiftsPositions(t *testing.T) {
	task := newTask(models.Subtask{Title: "a"}, models.Subtask{Title: "b"}, models.Subtask{Title: "c"})

	if _, err := (models.RemoveSubtask{Index: 1}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(task.Subtasks) != 2 {
		t.Fatalf("Expected 2 subtasks, got %d", len(task.Subtasks))
	}
	if task.Subtasks[0].Title != "a" || task.Subtasks[1].Title != "c" {
		t.Errorf("Unexpected order after removal: %+v", task.Subtasks)
	}

	if _, err := (models.RemoveSubtask{Index: 2}).Apply(task); err == nil {
		t.Error("Expected error removing past the end")
	}
}

func TestAddSubtask_AppendsIncomplete(t *testing.T) {
	task := newTask(models.Subtask{Title: "a", Completed: true})

	if _, err := (models.AddSubtask{Title: "b"}).Apply(task); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	last := task.Subtasks[len(task.Subtasks)-1]
	if last.Title != "b" || last.Completed {
		t.Errorf("Expected appended incomplete subtask 'b', got %+v", last)
	}
}

func TestSetDueDate_SetAndClear(t *testing.T) {
	task := newTask()
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	changed, _ := models.SetDueDate{DueDate: &due}.Apply(task)
	if !changed || task.DueDate == nil || !task.DueDate.Equal(due) {
		t.Fatalf("Expected due date %v, got %v", due, task.DueDate)
	}

	changed, _ = models.SetDueDate{DueDate: &due}.Apply(task)
	if changed {
		t.Error("Expected no change when setting the same due date")
	}

	changed, _ = models.SetDueDate{}.Apply(task)
	if !changed || task.DueDate != nil {
		t.Errorf("Expected due date to be cleared, got %v", task.DueDate)
	}
}

func TestReplayKeepsCascadeLocal(t *testing.T) {
	original := newTask(models.Subtask{Title: "a"}, models.Subtask{Title: "b", Completed: true})
	copyTask := original.Fork(uuid.Must(uuid.NewV4()))
	// The copy's derived flag lags behind its own subtasks.
	copyTask.Completed = true

	m := models.ToggleSubtask{Index: 0, Completed: true}
	for _, task := range []*models.Task{original, copyTask} {
		if _, err := m.Apply(task); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if !task.Completed {
			t.Errorf("Expected task %s to be completed after replay", task.Title)
		}
	}
}

func TestFork(t *testing.T) {
	due := time.Now().Add(24 * time.Hour)
	original := newTask(models.Subtask{Title: "2% milk"})
	original.DueDate = &due
	recipient := uuid.Must(uuid.NewV4())

	c := original.Fork(recipient)

	if !c.IsShared || !c.IsCopy() {
		t.Error("Expected fork to be a shared copy")
	}
	if c.UserID != recipient {
		t.Errorf("Expected owner %s, got %s", recipient, c.UserID)
	}
	if *c.SharedTaskID != original.ID {
		t.Errorf("Expected sharedTaskId %s, got %s", original.ID, *c.SharedTaskID)
	}
	if *c.OriginalCreator != original.UserID {
		t.Errorf("Expected originalCreator %s, got %s", original.UserID, *c.OriginalCreator)
	}
	if c.Title != original.Title || len(c.Subtasks) != 1 {
		t.Errorf("Expected cloned content, got %+v", c)
	}

	c.Subtasks[0].Completed = true
	if original.Subtasks[0].Completed {
		t.Error("Expected fork to deep copy subtasks")
	}
}

func TestShareEntries(t *testing.T) {
	task := newTask()
	user := uuid.Must(uuid.NewV4())
	now := time.Now()

	task.AddShareEntry(user, now)
	task.AddShareEntry(user, now.Add(time.Minute))
	if len(task.SharedWith) != 1 {
		t.Fatalf("Expected one entry per recipient, got %d", len(task.SharedWith))
	}
	if !task.HasCopies() || !task.IsSharedWith(user) {
		t.Error("Expected task to be shared with user")
	}

	if !task.RemoveShareEntry(user) {
		t.Error("Expected entry to be removed")
	}
	if task.HasCopies() {
		t.Error("Expected no remaining share entries")
	}
}

func TestDecodeMutation_RoundTrip(t *testing.T) {
	due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := true
	mutations := []models.Mutation{
		models.SetCompletion{Completed: true},
		models.AddSubtask{Title: "x"},
		models.RemoveSubtask{Index: 2},
		models.ToggleSubtask{Index: 1, Completed: true},
		models.SetDueDate{DueDate: &due},
		models.SetDueDate{},
		models.SyncState{Completed: &done, SetSubtasks: true, Subtasks: models.Subtasks{{Title: "y"}}},
	}

	for _, m := range mutations {
		decoded, err := models.DecodeMutation(m.Record())
		if err != nil {
			t.Errorf("DecodeMutation(%s) failed: %v", m.Kind(), err)
			continue
		}
		if decoded.Kind() != m.Kind() {
			t.Errorf("Expected kind %s, got %s", m.Kind(), decoded.Kind())
		}
	}

	if _, err := models.DecodeMutation(models.MutationRecord{Kind: "bogus"}); !errors.Is(err, models.ErrUnknownMutation) {
		t.Errorf("Expected ErrUnknownMutation, got %v", err)
	}
}
