package council

import "github.com/google/uuid"

// Region, District and Council mirror the canonical administrative
// hierarchy. The pipeline treats all three as read-only reference data.
type Region struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type District struct {
	ID       uuid.UUID `json:"id"`
	RegionID uuid.UUID `json:"region_id"`
	Name     string    `json:"name"`
}

type Council struct {
	ID         uuid.UUID `json:"id"`
	DistrictID uuid.UUID `json:"district_id"`
	Name       string    `json:"name"`
}

// Alias is one registered alternative spelling for a council.
type Alias struct {
	CouncilID uuid.UUID `json:"council_id"`
	Alias     string    `json:"alias"`
}
