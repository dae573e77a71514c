package services

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/school"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

var emisPattern = regexp.MustCompile(`^[0-9]{4,10}$`)

// Validator applies the field-level rules of the fixed schema to one row.
// Batch-scoped rules (EMIS uniqueness) live in Duplicates because they need
// the whole file in order.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// CheckRow returns field errors in column order and fills the parsed
// coordinate fields for values that pass their checks. A row that comes back
// empty is field-valid; council resolution is judged separately.
func (v *Validator) CheckRow(row *stagingrow.StagingRow) []stagingrow.FieldError {
	errs := make([]stagingrow.FieldError, 0)
	addError := func(field, message string) {
		errs = append(errs, stagingrow.FieldError{Field: field, Message: message})
	}

	if row.SchoolName == "" {
		addError("school_name", "is required")
	}

	switch {
	case row.EMISCode == "":
		addError("emis_code", "is required")
	case !emisPattern.MatchString(row.EMISCode):
		addError("emis_code", "must be 4 to 10 digits")
	}

	if row.Region == "" {
		addError("region", "is required")
	}
	if row.District == "" {
		addError("district", "is required")
	}
	if row.Council == "" {
		addError("council", "is required")
	}

	switch {
	case row.SchoolType == "":
		addError("school_type", "is required")
	default:
		if _, err := school.ParseType(row.SchoolType); err != nil {
			addError("school_type", fmt.Sprintf("must be one of %s", strings.Join(schoolTypeNames(), ", ")))
		}
	}

	if row.Chiefdom == "" {
		addError("chiefdom", "is required")
	}
	if row.Section == "" {
		addError("section", "is required")
	}
	if row.Town == "" {
		addError("town", "is required")
	}

	row.Latitude = checkCoordinate(row.LatitudeRaw, "latitude", -90, 90, addError)
	row.Longitude = checkCoordinate(row.LongitudeRaw, "longitude", -180, 180, addError)
	row.Altitude = checkNumber(row.AltitudeRaw, "altitude", addError)

	return errs
}

// DuplicateError is the field error placed on the second and later
// occurrences of an EMIS code within a batch.
func (v *Validator) DuplicateError(firstRow int) stagingrow.FieldError {
	return stagingrow.FieldError{
		Field:   "emis_code",
		Message: fmt.Sprintf("duplicate EMIS code in batch (first at row %d)", firstRow),
	}
}

func checkCoordinate(raw, field string, min, max float64, addError func(string, string)) *float64 {
	if raw == "" {
		addError(field, "is required")
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		addError(field, "must be a number")
		return nil
	}
	if value < min || value > max {
		addError(field, fmt.Sprintf("must be between %g and %g", min, max))
		return nil
	}
	return &value
}

func checkNumber(raw, field string, addError func(string, string)) *float64 {
	if raw == "" {
		addError(field, "is required")
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		addError(field, "must be a number")
		return nil
	}
	return &value
}

func schoolTypeNames() []string {
	types := school.Types()
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

// Duplicates flags EMIS codes repeating within one batch. Rows must be
// observed in file order; the first occurrence is never flagged.
type Duplicates struct {
	first map[string]int
}

func NewDuplicates() *Duplicates {
	return &Duplicates{first: make(map[string]int)}
}

// Observe records the row's EMIS code and reports whether it repeats an
// earlier row, returning that row's file number. Blank codes are ignored;
// the required-field rule covers them.
func (d *Duplicates) Observe(emisCode string, fileRowNumber int) (int, bool) {
	if emisCode == "" {
		return 0, false
	}
	if first, ok := d.first[emisCode]; ok {
		return first, true
	}
	d.first[emisCode] = fileRowNumber
	return 0, false
}
