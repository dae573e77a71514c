package changeset

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
)

const EntityTypeSchool = "school"

// Entry is one applied change inside a commit. Entries are immutable once
// written and ordered by Seq within their run.
type Entry struct {
	ID               uuid.UUID       `json:"id"`
	RunID            uuid.UUID       `json:"run_id"`
	Seq              int             `json:"seq"`
	EntityType       string          `json:"entity_type"`
	EntityID         uuid.UUID       `json:"entity_id"`
	Operation        Operation       `json:"operation"`
	PreviousSnapshot json.RawMessage `json:"previous_snapshot,omitempty"`
	NewSnapshot      json.RawMessage `json:"new_snapshot"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Changeset is the full record of one commit: a consumable header plus its
// ordered entries. ConsumedAt flips exactly once, on rollback.
type Changeset struct {
	RunID      uuid.UUID  `json:"run_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Entries    []Entry    `json:"entries,omitempty"`
}

func (c *Changeset) Consumed() bool {
	return c.ConsumedAt != nil
}

// Step is one reversal action produced by Reverse. Expected is the
// snapshot the live entity must still match for the reversal to be safe;
// a nil Restore means the entity is deleted.
type Step struct {
	EntityType string
	EntityID   uuid.UUID
	Expected   json.RawMessage
	Restore    json.RawMessage
}

// Reverse turns entries into the plan that undoes them: reverse Seq order,
// CREATE becomes a delete and UPDATE restores the previous snapshot. It is
// a pure function of the entries; applying the result is the caller's job.
func Reverse(entries []Entry) []Step {
	steps := make([]Step, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		step := Step{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Expected:   e.NewSnapshot,
		}
		if e.Operation == OpUpdate {
			step.Restore = e.PreviousSnapshot
		}
		steps = append(steps, step)
	}
	return steps
}

// SnapshotVersion extracts the entity version recorded in a snapshot.
func SnapshotVersion(snapshot json.RawMessage) (int64, error) {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(snapshot, &v); err != nil {
		return 0, fmt.Errorf("decode snapshot version: %w", err)
	}
	if v.Version <= 0 {
		return 0, fmt.Errorf("snapshot has no version")
	}
	return v.Version, nil
}
