package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/school"
	"github.com/edulink-sl/edulink/modules/registry/domain/changeset"
)

type SchoolRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*school.School, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*school.School, error)
	GetByEMISCodes(ctx context.Context, codes []string) (map[string]*school.School, error)
	Insert(ctx context.Context, sch *school.School) (*school.School, error)
	Update(ctx context.Context, sch *school.School) (*school.School, error)
	Restore(ctx context.Context, sch *school.School) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListActiveInCouncils(ctx context.Context, councilIDs []uuid.UUID) ([]*school.School, error)
}

type ChangesetRepository interface {
	Create(ctx context.Context, cs *changeset.Changeset) error
	GetHeader(ctx context.Context, runID uuid.UUID) (*changeset.Changeset, error)
	GetHeaderForUpdate(ctx context.Context, runID uuid.UUID) (*changeset.Changeset, error)
	ListAllEntries(ctx context.Context, runID uuid.UUID) ([]changeset.Entry, error)
	ListEntries(ctx context.Context, runID uuid.UUID, limit, offset int) ([]changeset.Entry, int, error)
	MarkConsumed(ctx context.Context, runID uuid.UUID) error
}

// CommitConflictError is a school that changed between plan and write,
// detected through its version guard. The whole commit is abandoned.
type CommitConflictError struct {
	RunID    uuid.UUID
	EMISCode string
	Cause    error
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("school %s changed while committing run %s", e.EMISCode, e.RunID)
}

func (e *CommitConflictError) Unwrap() error { return e.Cause }

type CommitResult struct {
	Run         *importrun.ImportRun `json:"import_run"`
	Created     int                  `json:"created"`
	Updated     int                  `json:"updated"`
	Skipped     int                  `json:"skipped"`
	Deactivated int                  `json:"deactivated"`
}

// CommitService applies a committable run to the school registry in one
// transaction: creates, updates, authoritative deactivations and the
// changeset land together or not at all.
type CommitService struct {
	runs       *RunService
	rows       StagingRowRepository
	schools    SchoolRepository
	changesets ChangesetRepository
	timeout    time.Duration
	logger     *logrus.Entry

	// beforeWrite runs ahead of the nth registry write when set; tests use
	// it to abort mid-apply.
	beforeWrite func(n int) error
}

func NewCommitService(runs *RunService, rows StagingRowRepository, schools SchoolRepository, changesets ChangesetRepository, timeout time.Duration, logger *logrus.Entry) *CommitService {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CommitService{
		runs:       runs,
		rows:       rows,
		schools:    schools,
		changesets: changesets,
		timeout:    timeout,
		logger:     logger,
	}
}

type plannedUpdate struct {
	current   *school.School
	candidate school.School
}

type commitPlan struct {
	creates       []*school.School
	updates       []plannedUpdate
	deactivations []*school.School
	skipped       int
}

func (p *commitPlan) overwrites() int {
	return len(p.updates) + len(p.deactivations)
}

// Commit moves a READY_TO_COMMIT run into the registry. Rejections (wrong
// state, dry-run, unconfirmed overwrites, busy run) leave the run as it
// was; a failure during the write phase, or the commit deadline expiring
// at any point, rolls everything back and marks the run FAILED (TIMEOUT
// for deadline expiry, COMMIT otherwise).
func (s *CommitService) Commit(ctx context.Context, runID uuid.UUID, confirmOverwrites bool) (*CommitResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()

	applying := false
	result, err := inTx(ctx, func(txCtx context.Context) (*CommitResult, error) {
		run, err := s.runs.lockRun(txCtx, runID)
		if err != nil {
			return nil, err
		}
		if run.DryRun {
			return nil, newServiceError(http.StatusConflict, "REGISTRY_DRY_RUN", "a dry-run import cannot be committed",
				&TransitionError{RunID: run.ID, From: run.Status, To: importrun.StatusCommitted})
		}
		if !run.Status.CanTransitionTo(importrun.StatusCommitted) {
			return nil, newTransitionError(run.ID, run.Status, importrun.StatusCommitted)
		}

		plan, err := s.plan(txCtx, run)
		if err != nil {
			return nil, err
		}
		if n := plan.overwrites(); n > 0 && !confirmOverwrites {
			return nil, newServiceError(http.StatusConflict, "REGISTRY_OVERWRITE_CONFIRMATION",
				fmt.Sprintf("commit would modify %d existing schools; confirm overwrites to proceed", n), nil)
		}

		applying = true
		res, err := s.apply(txCtx, run, plan)
		if err != nil {
			return nil, err
		}
		if err := s.runs.transitionLocked(txCtx, run, importrun.StatusCommitted, initiatorOf(ctx)); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		outcome := "rejected"
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if applying || timedOut {
			outcome = "failed"
			if applying && !timedOut {
				recordWriteConflict("commit")
			}
			s.markFailed(ctx, runID, err)
		}
		observeCommitDuration("commit", outcome, time.Since(started).Seconds())
		return nil, err
	}
	observeCommitDuration("commit", "committed", time.Since(started).Seconds())

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	result.Run = run
	return result, nil
}

// plan reads every valid row and decides, without writing, what the commit
// will do. Rows identical to their existing school are skipped so
// re-importing an unchanged file is a no-op; an authoritative run extends
// the plan with deactivations for active schools in the touched councils
// that the file no longer lists.
func (s *CommitService) plan(txCtx context.Context, run *importrun.ImportRun) (*commitPlan, error) {
	rows, err := s.rows.ListValid(txCtx, run.ID)
	if err != nil {
		return nil, mapPgError(err)
	}

	codes := make([]string, 0, len(rows))
	for _, row := range rows {
		codes = append(codes, row.EMISCode)
	}
	existing, err := s.schools.GetByEMISCodes(txCtx, codes)
	if err != nil {
		return nil, mapPgError(err)
	}

	plan := &commitPlan{}
	batchCouncils := make(map[uuid.UUID]struct{})
	batchEMIS := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.Latitude == nil || row.Longitude == nil || row.Altitude == nil || row.MatchedCouncilID == nil {
			return nil, newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL",
				fmt.Sprintf("row %d is marked valid but incomplete", row.FileRowNumber), nil)
		}
		schoolType, err := school.ParseType(row.SchoolType)
		if err != nil {
			return nil, newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL",
				fmt.Sprintf("row %d is marked valid but has school type %q", row.FileRowNumber, row.SchoolType), err)
		}
		batchEMIS[row.EMISCode] = struct{}{}
		batchCouncils[*row.MatchedCouncilID] = struct{}{}

		current, ok := existing[row.EMISCode]
		if !ok {
			plan.creates = append(plan.creates, &school.School{
				EMISCode:   row.EMISCode,
				Name:       row.SchoolName,
				SchoolType: schoolType,
				CouncilID:  *row.MatchedCouncilID,
				Chiefdom:   row.Chiefdom,
				Section:    row.Section,
				Town:       row.Town,
				Latitude:   *row.Latitude,
				Longitude:  *row.Longitude,
				Altitude:   *row.Altitude,
				Active:     true,
			})
			continue
		}

		candidate := *current
		candidate.Name = row.SchoolName
		candidate.SchoolType = schoolType
		candidate.CouncilID = *row.MatchedCouncilID
		candidate.Chiefdom = row.Chiefdom
		candidate.Section = row.Section
		candidate.Town = row.Town
		candidate.Latitude = *row.Latitude
		candidate.Longitude = *row.Longitude
		candidate.Altitude = *row.Altitude
		candidate.Active = true

		patch, err := jsondiff.Compare(current, &candidate)
		if err != nil {
			return nil, err
		}
		if len(patch) == 0 {
			plan.skipped++
			continue
		}
		plan.updates = append(plan.updates, plannedUpdate{current: current, candidate: candidate})
	}

	if run.Authoritative && len(batchCouncils) > 0 {
		scope := make([]uuid.UUID, 0, len(batchCouncils))
		for id := range batchCouncils {
			scope = append(scope, id)
		}
		active, err := s.schools.ListActiveInCouncils(txCtx, scope)
		if err != nil {
			return nil, mapPgError(err)
		}
		for _, sch := range active {
			if _, ok := batchEMIS[sch.EMISCode]; ok {
				continue
			}
			plan.deactivations = append(plan.deactivations, sch)
		}
	}
	return plan, nil
}

// apply performs the planned writes in order and records a changeset entry
// per write, snapshotting each school as it was and as it became. The
// changeset is appended last, still inside the transaction.
func (s *CommitService) apply(txCtx context.Context, run *importrun.ImportRun, plan *commitPlan) (*CommitResult, error) {
	entries := make([]changeset.Entry, 0, len(plan.creates)+plan.overwrites())
	record := func(op changeset.Operation, entityID uuid.UUID, prev, next []byte) {
		entries = append(entries, changeset.Entry{
			RunID:            run.ID,
			Seq:              len(entries) + 1,
			EntityType:       changeset.EntityTypeSchool,
			EntityID:         entityID,
			Operation:        op,
			PreviousSnapshot: prev,
			NewSnapshot:      next,
		})
	}
	step := func() error {
		if s.beforeWrite != nil {
			return s.beforeWrite(len(entries) + 1)
		}
		return nil
	}

	for _, cand := range plan.creates {
		if err := step(); err != nil {
			return nil, err
		}
		created, err := s.schools.Insert(txCtx, cand)
		if err != nil {
			return nil, mapPgError(err)
		}
		next, err := created.Snapshot()
		if err != nil {
			return nil, err
		}
		record(changeset.OpCreate, created.ID, nil, next)
	}

	updateOne := func(current *school.School, candidate school.School) error {
		if err := step(); err != nil {
			return err
		}
		updated, err := s.schools.Update(txCtx, &candidate)
		if err != nil {
			return s.writeConflict(run.ID, candidate.EMISCode, err)
		}
		prev, err := current.Snapshot()
		if err != nil {
			return err
		}
		next, err := updated.Snapshot()
		if err != nil {
			return err
		}
		record(changeset.OpUpdate, updated.ID, prev, next)
		return nil
	}

	for _, u := range plan.updates {
		if err := updateOne(u.current, u.candidate); err != nil {
			return nil, err
		}
	}
	for _, current := range plan.deactivations {
		candidate := *current
		candidate.Active = false
		if err := updateOne(current, candidate); err != nil {
			return nil, err
		}
	}

	if err := s.changesets.Create(txCtx, &changeset.Changeset{RunID: run.ID, Entries: entries}); err != nil {
		return nil, mapPgError(err)
	}
	return &CommitResult{
		Created:     len(plan.creates),
		Updated:     len(plan.updates),
		Skipped:     plan.skipped,
		Deactivated: len(plan.deactivations),
	}, nil
}

func (s *CommitService) writeConflict(runID uuid.UUID, emisCode string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		conflict := &CommitConflictError{RunID: runID, EMISCode: emisCode, Cause: err}
		return newServiceError(http.StatusConflict, "REGISTRY_COMMIT_CONFLICT", conflict.Error(), conflict)
	}
	return mapPgError(err)
}

// markFailed runs outside the aborted transaction and must survive the
// commit deadline having passed, hence the detached context.
func (s *CommitService) markFailed(ctx context.Context, runID uuid.UUID, cause error) {
	code := importrun.FailureCodeCommit
	if errors.Is(cause, context.DeadlineExceeded) {
		code = importrun.FailureCodeTimeout
	}
	message := cause.Error()
	var serr *ServiceError
	if errors.As(cause, &serr) {
		message = serr.Message
	}
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.runs.Fail(failCtx, runID, code, message); err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Error("registry: could not mark run failed after commit error")
	}
}
