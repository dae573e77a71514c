package importrun

import "fmt"

// Status is the run lifecycle state. Transitions are validated by
// CanTransitionTo; everything outside that table is illegal.
type Status string

const (
	StatusUploaded       Status = "UPLOADED"
	StatusProcessing     Status = "PROCESSING"
	StatusReadyForReview Status = "READY_FOR_REVIEW"
	StatusReadyToCommit  Status = "READY_TO_COMMIT"
	StatusCommitted      Status = "COMMITTED"
	StatusCancelled      Status = "CANCELLED"
	StatusFailed         Status = "FAILED"
	StatusRolledBack     Status = "ROLLED_BACK"
)

func NewStatus(v string) (Status, error) {
	s := Status(v)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid import run status: %q", v)
	}
	return s, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusReadyForReview, StatusReadyToCommit,
		StatusCommitted, StatusCancelled, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
// COMMITTED is not terminal: it can still roll back.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Cancellable reports whether an explicit cancel is allowed from s.
func (s Status) Cancellable() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusReadyForReview, StatusReadyToCommit:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(to Status) bool {
	if to == StatusCancelled {
		return s.Cancellable()
	}
	switch s {
	case StatusUploaded:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusReadyForReview || to == StatusReadyToCommit || to == StatusFailed
	case StatusReadyForReview:
		return to == StatusReadyToCommit
	case StatusReadyToCommit:
		return to == StatusCommitted || to == StatusFailed
	case StatusCommitted:
		return to == StatusRolledBack
	}
	return false
}
