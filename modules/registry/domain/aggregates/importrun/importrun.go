package importrun

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of data a run imports. Only schools today.
type Type string

const TypeSchools Type = "SCHOOLS"

// Failure codes recorded on FAILED runs.
const (
	FailureCodeParse    = "PARSE"
	FailureCodeTimeout  = "TIMEOUT"
	FailureCodeCommit   = "COMMIT"
	FailureCodeInternal = "INTERNAL"
)

// ImportRun is one upload. The run service is the only writer of Status;
// runs are never physically deleted.
type ImportRun struct {
	ID             uuid.UUID  `json:"id"`
	FileName       string     `json:"file_name"`
	FileSize       int64      `json:"file_size"`
	StoredPath     string     `json:"-"`
	ContentType    string     `json:"content_type"`
	ImportType     Type       `json:"import_type"`
	DryRun         bool       `json:"dry_run"`
	Authoritative  bool       `json:"authoritative"`
	Status         Status     `json:"status"`
	FailureCode    *string    `json:"failure_code,omitempty"`
	FailureMessage *string    `json:"failure_message,omitempty"`
	TotalRows      int        `json:"total_rows"`
	ProcessedRows  int        `json:"processed_rows"`
	CreatedBy      string     `json:"created_by"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
