package stagingrow

import (
	"time"

	"github.com/google/uuid"
)

type ValidationStatus string

const (
	ValidationPending        ValidationStatus = "PENDING"
	ValidationValid          ValidationStatus = "VALID"
	ValidationError          ValidationStatus = "ERROR"
	ValidationRequiresReview ValidationStatus = "REQUIRES_REVIEW"
)

func (s ValidationStatus) IsValid() bool {
	switch s {
	case ValidationPending, ValidationValid, ValidationError, ValidationRequiresReview:
		return true
	}
	return false
}

type MatchType string

const (
	MatchNone   MatchType = "NONE"
	MatchExact  MatchType = "EXACT"
	MatchAlias  MatchType = "ALIAS"
	MatchFuzzy  MatchType = "FUZZY"
	MatchManual MatchType = "MANUAL"
)

func (m MatchType) IsValid() bool {
	switch m {
	case MatchNone, MatchExact, MatchAlias, MatchFuzzy, MatchManual:
		return true
	}
	return false
}

// FieldError is one validation failure tied to a named spreadsheet column.
// The order of errors on a row follows the column order they were found in.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// StagingRow is one spreadsheet row staged for exactly one import run.
// Raw values are kept verbatim for audit; Latitude/Longitude/Altitude hold
// the parsed numerics once validation has seen the row. Rows become
// immutable when the owning run reaches COMMITTED or later.
type StagingRow struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	FileRowNumber int       `json:"file_row_number"`

	SchoolName   string `json:"school_name"`
	EMISCode     string `json:"emis_code"`
	Region       string `json:"region"`
	District     string `json:"district"`
	Council      string `json:"council"`
	SchoolType   string `json:"school_type"`
	Chiefdom     string `json:"chiefdom"`
	Section      string `json:"section"`
	Town         string `json:"town"`
	LatitudeRaw  string `json:"latitude_raw"`
	LongitudeRaw string `json:"longitude_raw"`
	AltitudeRaw  string `json:"altitude_raw"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`

	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationErrors []FieldError     `json:"validation_errors"`
	MatchType        MatchType        `json:"match_type"`
	MatchedCouncilID *uuid.UUID       `json:"matched_council_id,omitempty"`
	MatchConfidence  *float64         `json:"match_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetMatch records a resolved council. Confidence is only meaningful for
// fuzzy matches and is cleared otherwise, keeping the row consistent with
// the rule that a non-NONE match always carries a council id.
func (r *StagingRow) SetMatch(mt MatchType, councilID uuid.UUID, confidence float64) {
	if mt == MatchNone || councilID == uuid.Nil {
		r.ClearMatch()
		return
	}
	r.MatchType = mt
	id := councilID
	r.MatchedCouncilID = &id
	if mt == MatchFuzzy {
		c := confidence
		r.MatchConfidence = &c
	} else {
		r.MatchConfidence = nil
	}
}

// ClearMatch resets the row to unresolved: NONE and no council id, the
// only combination in which the council id may be absent.
func (r *StagingRow) ClearMatch() {
	r.MatchType = MatchNone
	r.MatchedCouncilID = nil
	r.MatchConfidence = nil
}

// Matched reports whether the row carries a resolved council.
func (r *StagingRow) Matched() bool {
	return r.MatchType != MatchNone && r.MatchedCouncilID != nil
}
