package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
	"github.com/edulink-sl/edulink/modules/registry/domain/events"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/outbox"
)

// OutboxTable is where registry lifecycle events are staged for the relay.
var OutboxTable = pgx.Identifier{"public", "registry_outbox"}

type ImportRunRepository interface {
	Create(ctx context.Context, run *importrun.ImportRun) (*importrun.ImportRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (*importrun.ImportRun, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*importrun.ImportRun, error)
	ClaimUploaded(ctx context.Context) (*importrun.ImportRun, error)
	List(ctx context.Context, params RunListParams) ([]*importrun.ImportRun, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status importrun.Status) error
	SetFailure(ctx context.Context, id uuid.UUID, code, message string) error
	SetTotals(ctx context.Context, id uuid.UUID, totalRows int) error
	UpdateProgress(ctx context.Context, id uuid.UUID, processedRows int) error
	ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*importrun.ImportRun, error)
	AcquireRunLock(ctx context.Context, id uuid.UUID) (bool, error)
}

type RunListParams struct {
	Status importrun.Status
	Limit  int
	Offset int
}

// TransitionError is a rejected state transition. The run is left unchanged.
type TransitionError struct {
	RunID uuid.UUID
	From  importrun.Status
	To    importrun.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s cannot go from %s to %s", e.RunID, e.From, e.To)
}

func newTransitionError(runID uuid.UUID, from, to importrun.Status) *ServiceError {
	terr := &TransitionError{RunID: runID, From: from, To: to}
	return newServiceError(http.StatusConflict, "REGISTRY_TRANSITION", terr.Error(), terr)
}

// RunService is the run controller: the only code that moves an import run
// between states. Every mutating entry point takes the per-run advisory
// lock first, so transition requests for the same run never race.
type RunService struct {
	runs      ImportRunRepository
	rows      StagingRowRepository
	councils  *CouncilService
	publisher outbox.Publisher
}

func NewRunService(runs ImportRunRepository, rows StagingRowRepository, councils *CouncilService, publisher outbox.Publisher) *RunService {
	return &RunService{runs: runs, rows: rows, councils: councils, publisher: publisher}
}

func (s *RunService) GetRun(ctx context.Context, id uuid.UUID) (*importrun.ImportRun, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	return run, nil
}

func (s *RunService) ListRuns(ctx context.Context, params RunListParams) ([]*importrun.ImportRun, int, error) {
	if params.Status != "" && !params.Status.IsValid() {
		return nil, 0, newServiceError(http.StatusBadRequest, "REGISTRY_INVALID_BODY", fmt.Sprintf("unknown status %q", params.Status), nil)
	}
	runs, total, err := s.runs.List(ctx, params)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	return runs, total, nil
}

// lockRun takes the advisory lock and the row lock for a run inside the
// current transaction. A held lock surfaces as 409 instead of blocking.
func (s *RunService) lockRun(txCtx context.Context, id uuid.UUID) (*importrun.ImportRun, error) {
	acquired, err := s.runs.AcquireRunLock(txCtx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	if !acquired {
		return nil, newServiceError(http.StatusConflict, "REGISTRY_RUN_BUSY", "another operation on this run is in progress", nil)
	}
	run, err := s.runs.GetForUpdate(txCtx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	return run, nil
}

// transitionLocked applies a checked transition under the caller's lock and
// stages the lifecycle event in the same transaction.
func (s *RunService) transitionLocked(txCtx context.Context, run *importrun.ImportRun, to importrun.Status, initiator string) error {
	if !run.Status.CanTransitionTo(to) {
		return newTransitionError(run.ID, run.Status, to)
	}
	if err := s.runs.UpdateStatus(txCtx, run.ID, to); err != nil {
		return mapPgError(err)
	}
	if err := s.enqueueLifecycleEvent(txCtx, run, to, nil, initiator); err != nil {
		return mapPgError(err)
	}
	recordTransition(to)
	run.Status = to
	return nil
}

func (s *RunService) enqueueLifecycleEvent(txCtx context.Context, run *importrun.ImportRun, to importrun.Status, failureCode *string, initiator string) error {
	tx, err := composables.UseTx(txCtx)
	if err != nil {
		return err
	}
	ev := &events.RunLifecycleEventV1{
		EventID:       uuid.New(),
		EventVersion:  events.EventVersionV1,
		RunID:         run.ID,
		FromStatus:    string(run.Status),
		ToStatus:      string(to),
		FailureCode:   failureCode,
		TotalRows:     run.TotalRows,
		ProcessedRows: run.ProcessedRows,
		Initiator:     initiator,
		OccurredAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.publisher.Enqueue(txCtx, tx, OutboxTable, outbox.Message{
		Topic:   events.TopicRunLifecycleV1,
		EventID: ev.EventID,
		Payload: payload,
	})
	return err
}

// ClaimNext picks up the oldest uploaded run and moves it to PROCESSING.
// Returns nil when the queue is empty.
func (s *RunService) ClaimNext(ctx context.Context) (*importrun.ImportRun, error) {
	return inTx(ctx, func(txCtx context.Context) (*importrun.ImportRun, error) {
		run, err := s.runs.ClaimUploaded(txCtx)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, mapPgError(err)
		}
		claimed := *run
		claimed.Status = importrun.StatusUploaded
		if err := s.enqueueLifecycleEvent(txCtx, &claimed, importrun.StatusProcessing, nil, "system"); err != nil {
			return nil, mapPgError(err)
		}
		recordTransition(importrun.StatusProcessing)
		return run, nil
	})
}

// EvaluateLocked decides where a fully processed run belongs: any row that
// is not VALID, or valid without a resolved council, keeps the run in
// review; otherwise it is committable. No-op when already there.
func (s *RunService) EvaluateLocked(txCtx context.Context, run *importrun.ImportRun, initiator string) (importrun.Status, error) {
	outstanding, err := s.rows.CountOutstanding(txCtx, run.ID)
	if err != nil {
		return "", mapPgError(err)
	}
	target := importrun.StatusReadyToCommit
	if outstanding > 0 {
		target = importrun.StatusReadyForReview
	}
	if run.Status == target {
		return target, nil
	}
	if err := s.transitionLocked(txCtx, run, target, initiator); err != nil {
		return "", err
	}
	return target, nil
}

// FinishProcessing evaluates a run after its last row was processed. A run
// cancelled mid-flight is left untouched.
func (s *RunService) FinishProcessing(ctx context.Context, id uuid.UUID) (importrun.Status, error) {
	return inTx(ctx, func(txCtx context.Context) (importrun.Status, error) {
		run, err := s.lockRun(txCtx, id)
		if err != nil {
			return "", err
		}
		if run.Status != importrun.StatusProcessing {
			return run.Status, nil
		}
		return s.EvaluateLocked(txCtx, run, "system")
	})
}

func (s *RunService) Cancel(ctx context.Context, id uuid.UUID) (*importrun.ImportRun, error) {
	_, err := inTx(ctx, func(txCtx context.Context) (struct{}, error) {
		run, err := s.lockRun(txCtx, id)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.transitionLocked(txCtx, run, importrun.StatusCancelled, initiatorOf(ctx))
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// Fail moves a run to FAILED with a failure code. Used for parse failures,
// timeouts and commit write failures.
func (s *RunService) Fail(ctx context.Context, id uuid.UUID, code, message string) (*importrun.ImportRun, error) {
	_, err := inTx(ctx, func(txCtx context.Context) (struct{}, error) {
		run, err := s.lockRun(txCtx, id)
		if err != nil {
			return struct{}{}, err
		}
		if !run.Status.CanTransitionTo(importrun.StatusFailed) {
			return struct{}{}, newTransitionError(run.ID, run.Status, importrun.StatusFailed)
		}
		if err := s.runs.SetFailure(txCtx, id, code, message); err != nil {
			return struct{}{}, mapPgError(err)
		}
		if err := s.enqueueLifecycleEvent(txCtx, run, importrun.StatusFailed, &code, initiatorOf(ctx)); err != nil {
			return struct{}{}, mapPgError(err)
		}
		recordTransition(importrun.StatusFailed)
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

type MapCouncilResult struct {
	Run  *importrun.ImportRun     `json:"import_run"`
	Rows []*stagingrow.StagingRow `json:"rows"`
}

// MapCouncil applies a manual council mapping to rows of a run under review.
// Rows in REQUIRES_REVIEW become VALID; rows with field errors keep them and
// stay ERROR. The run is re-evaluated in the same transaction.
func (s *RunService) MapCouncil(ctx context.Context, runID uuid.UUID, rowIDs []uuid.UUID, councilID uuid.UUID) (*MapCouncilResult, error) {
	rowIDs = dedupeIDs(rowIDs)
	if len(rowIDs) == 0 {
		return nil, newServiceError(http.StatusBadRequest, "REGISTRY_INVALID_BODY", "row_ids are required", nil)
	}
	target, err := s.councils.ResolveCouncil(ctx, councilID)
	if err != nil {
		return nil, err
	}

	result, err := inTx(ctx, func(txCtx context.Context) (*MapCouncilResult, error) {
		run, err := s.lockRun(txCtx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case importrun.StatusReadyForReview, importrun.StatusReadyToCommit:
		default:
			return nil, newServiceError(http.StatusConflict, "REGISTRY_TRANSITION",
				fmt.Sprintf("manual mapping is not allowed while the run is %s", run.Status),
				&TransitionError{RunID: run.ID, From: run.Status, To: run.Status})
		}

		rows, err := s.rows.GetByIDs(txCtx, runID, rowIDs)
		if err != nil {
			return nil, mapPgError(err)
		}
		if len(rows) != len(rowIDs) {
			return nil, newServiceError(http.StatusNotFound, "REGISTRY_ROW_NOT_FOUND", "one or more rows do not belong to this run", nil)
		}

		for _, row := range rows {
			row.SetMatch(stagingrow.MatchManual, target.ID, 0)
			if row.ValidationStatus == stagingrow.ValidationRequiresReview {
				row.ValidationStatus = stagingrow.ValidationValid
				row.ValidationErrors = nil
			}
			if err := s.rows.UpdateMatch(txCtx, row); err != nil {
				return nil, mapPgError(err)
			}
			recordMatch(stagingrow.MatchManual)
		}

		if _, err := s.EvaluateLocked(txCtx, run, initiatorOf(ctx)); err != nil {
			return nil, err
		}
		return &MapCouncilResult{Run: run, Rows: rows}, nil
	})
	if err != nil {
		return nil, err
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	result.Run = run
	return result, nil
}

func initiatorOf(ctx context.Context) string {
	if operator, ok := composables.UseOperator(ctx); ok {
		return operator
	}
	return "system"
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
