package council

import "github.com/google/uuid"

// Hierarchy is an immutable in-memory arena of the region -> district ->
// council tree. Nodes live in flat slices addressed by index; canonical
// names and aliases resolve through O(1) average-case indexes, so matching
// never walks the tree. Aliases are kept out of the nodes on purpose: they
// index straight to a council.
type Hierarchy struct {
	regions   []Region
	districts []District
	councils  []Council

	regionsByID   map[uuid.UUID]int
	districtsByID map[uuid.UUID]int
	councilsByID  map[uuid.UUID]int

	districtsByName    map[string][]int
	councilsByName     map[string][]int
	aliasToCouncil     map[string]int
	councilsByDistrict map[uuid.UUID][]int
}

func NewHierarchy(regions []Region, districts []District, councils []Council, aliases []Alias) *Hierarchy {
	h := &Hierarchy{
		regions:   regions,
		districts: districts,
		councils:  councils,

		regionsByID:   make(map[uuid.UUID]int, len(regions)),
		districtsByID: make(map[uuid.UUID]int, len(districts)),
		councilsByID:  make(map[uuid.UUID]int, len(councils)),

		districtsByName:    make(map[string][]int, len(districts)),
		councilsByName:     make(map[string][]int, len(councils)),
		aliasToCouncil:     make(map[string]int, len(aliases)),
		councilsByDistrict: make(map[uuid.UUID][]int, len(districts)),
	}

	for i, r := range regions {
		h.regionsByID[r.ID] = i
	}
	for i, d := range districts {
		h.districtsByID[d.ID] = i
		key := Normalize(d.Name)
		if key != "" {
			h.districtsByName[key] = append(h.districtsByName[key], i)
		}
	}
	for i, c := range councils {
		h.councilsByID[c.ID] = i
		key := Normalize(c.Name)
		if key != "" {
			h.councilsByName[key] = append(h.councilsByName[key], i)
		}
		h.councilsByDistrict[c.DistrictID] = append(h.councilsByDistrict[c.DistrictID], i)
	}
	for _, a := range aliases {
		idx, ok := h.councilsByID[a.CouncilID]
		if !ok {
			continue
		}
		key := Normalize(a.Alias)
		if key == "" {
			continue
		}
		h.aliasToCouncil[key] = idx
	}
	return h
}

func (h *Hierarchy) Empty() bool {
	return len(h.councils) == 0
}

// Councils returns the full council arena. Callers must not mutate it.
func (h *Hierarchy) Councils() []Council {
	return h.councils
}

func (h *Hierarchy) CouncilByID(id uuid.UUID) (Council, bool) {
	idx, ok := h.councilsByID[id]
	if !ok {
		return Council{}, false
	}
	return h.councils[idx], true
}

func (h *Hierarchy) DistrictByID(id uuid.UUID) (District, bool) {
	idx, ok := h.districtsByID[id]
	if !ok {
		return District{}, false
	}
	return h.districts[idx], true
}

func (h *Hierarchy) RegionByID(id uuid.UUID) (Region, bool) {
	idx, ok := h.regionsByID[id]
	if !ok {
		return Region{}, false
	}
	return h.regions[idx], true
}

// CouncilsNamed returns every council whose canonical name normalizes to
// the given text. More than one hit means the name alone is ambiguous.
func (h *Hierarchy) CouncilsNamed(name string) []Council {
	idxs := h.councilsByName[Normalize(name)]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]Council, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, h.councils[i])
	}
	return out
}

// AliasedCouncil resolves a registered alias to its council.
func (h *Hierarchy) AliasedCouncil(alias string) (Council, bool) {
	idx, ok := h.aliasToCouncil[Normalize(alias)]
	if !ok {
		return Council{}, false
	}
	return h.councils[idx], true
}

// DistrictsNamed returns every district matching the normalized name.
func (h *Hierarchy) DistrictsNamed(name string) []District {
	idxs := h.districtsByName[Normalize(name)]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]District, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, h.districts[i])
	}
	return out
}

func (h *Hierarchy) CouncilsInDistrict(districtID uuid.UUID) []Council {
	idxs := h.councilsByDistrict[districtID]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]Council, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, h.councils[i])
	}
	return out
}
