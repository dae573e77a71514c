package school

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// School is one live registry entity. EMISCode is the natural key bulk
// imports reconcile against; Version increments on every write and backs
// the rollback staleness check.
type School struct {
	ID         uuid.UUID `json:"id"`
	EMISCode   string    `json:"emis_code"`
	Name       string    `json:"name"`
	SchoolType Type      `json:"school_type"`
	CouncilID  uuid.UUID `json:"council_id"`
	Chiefdom   string    `json:"chiefdom"`
	Section    string    `json:"section"`
	Town       string    `json:"town"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Active     bool      `json:"active"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snapshot serializes the school as a changeset snapshot.
func (s *School) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s)
}

// FromSnapshot decodes a changeset snapshot back into a school.
func FromSnapshot(raw json.RawMessage) (*School, error) {
	var s School
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
