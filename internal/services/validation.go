package services

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"tasksync/backend/internal/models"
)

const dateOnlyLayout = "2006-01-02"

// ParseDueDate accepts an RFC 3339 timestamp or a YYYY-MM-DD date (midnight
// UTC). An empty string means no due date.
func ParseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if t, err := time.Parse(dateOnlyLayout, raw); err == nil {
		return &t, nil
	}
	return nil, validationError("invalid due date %q", raw)
}

func validateTitle(title string, maxLength int, what string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", validationError("%s is required", what)
	}
	if utf8.RuneCountInString(title) > maxLength {
		return "", validationError("%s cannot be more than %d characters", what, maxLength)
	}
	return title, nil
}

// mutationError maps errors raised by Mutation.Apply to service errors.
func mutationError(err error) error {
	var indexErr *models.IndexError
	if errors.As(err, &indexErr) {
		return validationError("%s", indexErr.Error())
	}
	return err
}
