package school

import (
	"errors"
	"strings"
)

// Type is the closed school-type enumeration.
type Type string

const (
	TypePrePrimary      Type = "PRE_PRIMARY"
	TypePrimary         Type = "PRIMARY"
	TypeJuniorSecondary Type = "JUNIOR_SECONDARY"
	TypeSeniorSecondary Type = "SENIOR_SECONDARY"
	TypeVocational      Type = "VOCATIONAL"
)

var ErrUnknownType = errors.New("unknown school type")

// Types returns the enumeration in its canonical order.
func Types() []Type {
	return []Type{TypePrePrimary, TypePrimary, TypeJuniorSecondary, TypeSeniorSecondary, TypeVocational}
}

// ParseType resolves a raw spreadsheet value to the canonical type,
// accepting the common field spellings case-insensitively.
func ParseType(v string) (Type, error) {
	key := normalizeSpelling(v)
	if key == "" {
		return "", ErrUnknownType
	}
	if t := Type(strings.ToUpper(strings.ReplaceAll(key, " ", "_"))); t.IsValid() {
		return t, nil
	}
	switch key {
	case "pre primary", "preprimary", "nursery":
		return TypePrePrimary, nil
	case "primary":
		return TypePrimary, nil
	case "junior secondary", "junior secondary school", "jss":
		return TypeJuniorSecondary, nil
	case "senior secondary", "senior secondary school", "sss":
		return TypeSeniorSecondary, nil
	case "vocational", "technical vocational", "tvet":
		return TypeVocational, nil
	}
	return "", ErrUnknownType
}

func (t Type) IsValid() bool {
	switch t {
	case TypePrePrimary, TypePrimary, TypeJuniorSecondary, TypeSeniorSecondary, TypeVocational:
		return true
	}
	return false
}

func normalizeSpelling(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
