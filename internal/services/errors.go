package services

import (
	"fmt"

	"github.com/google/uuid"
)

// IntegrityError is raised by the validate step when data must not reach storage
type IntegrityError struct {
	RunID  string
	Reason string
	Count  int
}

func (e *IntegrityError) Error() string {
	if e.Count > 0 {
		return fmt.Sprintf("data integrity check failed for run %s: %s (%d rows)", e.RunID, e.Reason, e.Count)
	}
	return fmt.Sprintf("data integrity check failed for run %s: %s", e.RunID, e.Reason)
}

// IsTransient returns false; the same input fails the same way
func (e *IntegrityError) IsTransient() bool {
	return false
}

func newRunID() string {
	return uuid.NewString()
}
