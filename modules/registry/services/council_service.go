package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/edulink-sl/edulink/modules/registry/domain/entities/council"
	"github.com/edulink-sl/edulink/pkg/composables"
)

const hierarchyCacheTTL = 5 * time.Minute

type CouncilRepository interface {
	LoadHierarchy(ctx context.Context) (*council.Hierarchy, error)
	List(ctx context.Context, params CouncilListParams) ([]*CouncilDetail, int, error)
	UpsertRegion(ctx context.Context, name string) (uuid.UUID, error)
	UpsertDistrict(ctx context.Context, regionID uuid.UUID, name string) (uuid.UUID, error)
	UpsertCouncil(ctx context.Context, districtID uuid.UUID, name string) (uuid.UUID, error)
	UpsertAlias(ctx context.Context, councilID uuid.UUID, alias string) error
}

type CouncilListParams struct {
	Search string
	Limit  int
	Offset int
}

type CouncilDetail struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	District      string    `json:"district"`
	Region        string    `json:"region"`
	Aliases       []string  `json:"aliases"`
	ActiveSchools int       `json:"active_schools"`
}

// HierarchySeed is the nested form councils are loaded from on first boot.
type HierarchySeed struct {
	Regions []RegionSeed `json:"regions"`
}

type RegionSeed struct {
	Name      string         `json:"name"`
	Districts []DistrictSeed `json:"districts"`
}

type DistrictSeed struct {
	Name     string        `json:"name"`
	Councils []CouncilSeed `json:"councils"`
}

type CouncilSeed struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// CouncilService serves the council hierarchy to the matching pipeline.
// The hierarchy is small and changes rarely, so it is cached whole; manual
// alias edits and seeding invalidate the cache.
type CouncilService struct {
	repo CouncilRepository

	mu       sync.RWMutex
	cached   *council.Hierarchy
	loadedAt time.Time
}

func NewCouncilService(repo CouncilRepository) *CouncilService {
	return &CouncilService{repo: repo}
}

func (s *CouncilService) Hierarchy(ctx context.Context) (*council.Hierarchy, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.loadedAt) < hierarchyCacheTTL {
		h := s.cached
		s.mu.RUnlock()
		return h, nil
	}
	s.mu.RUnlock()

	h, err := s.repo.LoadHierarchy(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}

	s.mu.Lock()
	s.cached = h
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return h, nil
}

func (s *CouncilService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *CouncilService) List(ctx context.Context, params CouncilListParams) ([]*CouncilDetail, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 500 {
		params.Limit = 500
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	details, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	return details, total, nil
}

// ResolveCouncil looks a council up by id in the cached hierarchy. Unknown
// ids are a client error: manual mappings must point at a real council.
func (s *CouncilService) ResolveCouncil(ctx context.Context, id uuid.UUID) (council.Council, error) {
	h, err := s.Hierarchy(ctx)
	if err != nil {
		return council.Council{}, err
	}
	c, ok := h.CouncilByID(id)
	if !ok {
		return council.Council{}, newServiceError(http.StatusUnprocessableEntity, "REGISTRY_COUNCIL_NOT_FOUND", "council does not exist", nil)
	}
	return c, nil
}

// Seed upserts a full hierarchy in one transaction. Existing names keep
// their ids, so reseeding is safe.
func (s *CouncilService) Seed(ctx context.Context, seed HierarchySeed) error {
	err := composables.InTx(ctx, func(txCtx context.Context) error {
		for _, r := range seed.Regions {
			regionID, err := s.repo.UpsertRegion(txCtx, r.Name)
			if err != nil {
				return errors.Wrapf(err, "failed to upsert region %q", r.Name)
			}
			for _, d := range r.Districts {
				districtID, err := s.repo.UpsertDistrict(txCtx, regionID, d.Name)
				if err != nil {
					return errors.Wrapf(err, "failed to upsert district %q", d.Name)
				}
				for _, c := range d.Councils {
					councilID, err := s.repo.UpsertCouncil(txCtx, districtID, c.Name)
					if err != nil {
						return errors.Wrapf(err, "failed to upsert council %q", c.Name)
					}
					for _, alias := range c.Aliases {
						if err := s.repo.UpsertAlias(txCtx, councilID, alias); err != nil {
							return errors.Wrapf(err, "failed to upsert alias %q", alias)
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return mapPgError(err)
	}
	s.Invalidate()
	return nil
}
