package models

import "fmt"

// Subtask is one entry of a task's checklist.
type Subtask struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Subtasks is an ordered container addressed by position. Removing an entry
// shifts every later entry down by one, so an index always means "current
// position" and never a stable identity. Two concurrent removals on different
// instances of a shared task can therefore address different subtasks.
type Subtasks []Subtask

// IndexError reports a position outside [0, Len).
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("subtask index %d out of range [0, %d)", e.Index, e.Len)
}

func (s Subtasks) Len() int { return len(s) }

func (s Subtasks) ValidIndex(i int) bool {
	return i >= 0 && i < len(s)
}

// Append adds an incomplete subtask at the end.
func (s *Subtasks) Append(title string) {
	*s = append(*s, Subtask{Title: title})
}

// RemoveAt deletes the subtask at position i and shifts the rest down.
func (s *Subtasks) RemoveAt(i int) error {
	if !s.ValidIndex(i) {
		return &IndexError{Index: i, Len: len(*s)}
	}
	cur := *s
	*s = append(cur[:i:i], cur[i+1:]...)
	return nil
}

// SetCompleted sets the flag of the subtask at position i and reports whether it changed.
func (s Subtasks) SetCompleted(i int, completed bool) (bool, error) {
	if !s.ValidIndex(i) {
		return false, &IndexError{Index: i, Len: len(s)}
	}
	if s[i].Completed == completed {
		return false, nil
	}
	s[i].Completed = completed
	return true, nil
}

// SetAll forces every subtask to completed and reports whether any changed.
func (s Subtasks) SetAll(completed bool) bool {
	changed := false
	for i := range s {
		if s[i].Completed != completed {
			s[i].Completed = completed
			changed = true
		}
	}
	return changed
}

// AllCompleted is the logical AND over all subtasks. It is false for an empty list.
func (s Subtasks) AllCompleted() bool {
	if len(s) == 0 {
		return false
	}
	for _, st := range s {
		if !st.Completed {
			return false
		}
	}
	return true
}

func (s Subtasks) Clone() Subtasks {
	out := make(Subtasks, len(s))
	copy(out, s)
	return out
}
