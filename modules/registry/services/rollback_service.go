package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/school"
	"github.com/edulink-sl/edulink/modules/registry/domain/changeset"
)

// RollbackConflictError is a school whose live version no longer matches
// the changeset, or a changeset consumed by an earlier rollback. Nothing
// is undone and the run stays COMMITTED.
type RollbackConflictError struct {
	RunID    uuid.UUID
	EntityID uuid.UUID
	Reason   string
}

func (e *RollbackConflictError) Error() string {
	if e.EntityID == uuid.Nil {
		return fmt.Sprintf("cannot roll back run %s: %s", e.RunID, e.Reason)
	}
	return fmt.Sprintf("cannot roll back run %s: school %s %s", e.RunID, e.EntityID, e.Reason)
}

type RollbackResult struct {
	Run      *importrun.ImportRun `json:"import_run"`
	Restored int                  `json:"restored"`
	Deleted  int                  `json:"deleted"`
}

// RollbackService undoes a committed run by replaying its changeset in
// reverse, in one transaction. Every touched school must still be at the
// exact version the commit left it at; any drift aborts the whole rollback.
type RollbackService struct {
	runs       *RunService
	schools    SchoolRepository
	changesets ChangesetRepository
	timeout    time.Duration
}

func NewRollbackService(runs *RunService, schools SchoolRepository, changesets ChangesetRepository, timeout time.Duration) *RollbackService {
	return &RollbackService{runs: runs, schools: schools, changesets: changesets, timeout: timeout}
}

func (s *RollbackService) Rollback(ctx context.Context, runID uuid.UUID) (*RollbackResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()

	result, err := inTx(ctx, func(txCtx context.Context) (*RollbackResult, error) {
		run, err := s.runs.lockRun(txCtx, runID)
		if err != nil {
			return nil, err
		}
		if !run.Status.CanTransitionTo(importrun.StatusRolledBack) {
			return nil, newTransitionError(run.ID, run.Status, importrun.StatusRolledBack)
		}

		header, err := s.changesets.GetHeaderForUpdate(txCtx, runID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, newServiceError(http.StatusNotFound, "REGISTRY_CHANGESET_NOT_FOUND", "run has no changeset", err)
			}
			return nil, mapPgError(err)
		}
		if header.Consumed() {
			return nil, rollbackConflict(runID, uuid.Nil, "changeset has already been consumed")
		}

		entries, err := s.changesets.ListAllEntries(txCtx, runID)
		if err != nil {
			return nil, mapPgError(err)
		}

		res := &RollbackResult{}
		for _, step := range changeset.Reverse(entries) {
			if err := s.applyStep(txCtx, runID, step, res); err != nil {
				return nil, err
			}
		}

		if err := s.changesets.MarkConsumed(txCtx, runID); err != nil {
			return nil, mapPgError(err)
		}
		if err := s.runs.transitionLocked(txCtx, run, importrun.StatusRolledBack, initiatorOf(ctx)); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		var conflict *RollbackConflictError
		if errors.As(err, &conflict) {
			recordWriteConflict("rollback")
		}
		observeCommitDuration("rollback", "rejected", time.Since(started).Seconds())
		return nil, err
	}
	observeCommitDuration("rollback", "rolled_back", time.Since(started).Seconds())

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	result.Run = run
	return result, nil
}

func (s *RollbackService) applyStep(txCtx context.Context, runID uuid.UUID, step changeset.Step, res *RollbackResult) error {
	expected, err := changeset.SnapshotVersion(step.Expected)
	if err != nil {
		return newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL",
			fmt.Sprintf("changeset entry for school %s is unreadable", step.EntityID), err)
	}

	current, err := s.schools.GetByIDForUpdate(txCtx, step.EntityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rollbackConflict(runID, step.EntityID, "no longer exists")
		}
		return mapPgError(err)
	}
	if current.Version != expected {
		return rollbackConflict(runID, step.EntityID,
			fmt.Sprintf("was modified after the commit (version %d, expected %d)", current.Version, expected))
	}

	if step.Restore == nil {
		if err := s.schools.Delete(txCtx, step.EntityID); err != nil {
			return mapPgError(err)
		}
		res.Deleted++
		return nil
	}

	previous, err := school.FromSnapshot(step.Restore)
	if err != nil {
		return newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL",
			fmt.Sprintf("changeset snapshot for school %s is unreadable", step.EntityID), err)
	}
	if err := s.schools.Restore(txCtx, previous); err != nil {
		return mapPgError(err)
	}
	res.Restored++
	return nil
}

func rollbackConflict(runID, entityID uuid.UUID, reason string) error {
	conflict := &RollbackConflictError{RunID: runID, EntityID: entityID, Reason: reason}
	return newServiceError(http.StatusConflict, "REGISTRY_ROLLBACK_CONFLICT", conflict.Error(), conflict)
}
