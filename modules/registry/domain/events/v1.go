package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicRunLifecycleV1 = "registry.run.lifecycle.v1"
	EventVersionV1      = 1
)

// RunLifecycleEventV1 is emitted through the registry outbox on every run
// transition that external consumers care about (processing finished,
// committed, cancelled, failed, rolled back).
type RunLifecycleEventV1 struct {
	EventID       uuid.UUID `json:"event_id"`
	EventVersion  int       `json:"event_version"`
	RunID         uuid.UUID `json:"run_id"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	FailureCode   *string   `json:"failure_code,omitempty"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
	Initiator     string    `json:"initiator"`
	OccurredAt    time.Time `json:"occurred_at"`
}
