package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

type StagingRowRepository interface {
	BulkInsert(ctx context.Context, rows []*stagingrow.StagingRow) error
	UpdateResults(ctx context.Context, rows []*stagingrow.StagingRow) error
	UpdateMatch(ctx context.Context, row *stagingrow.StagingRow) error
	GetByID(ctx context.Context, id uuid.UUID) (*stagingrow.StagingRow, error)
	GetByIDs(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) ([]*stagingrow.StagingRow, error)
	ListByRun(ctx context.Context, runID uuid.UUID, f RowFilter) ([]*stagingrow.StagingRow, int, error)
	ListValid(ctx context.Context, runID uuid.UUID) ([]*stagingrow.StagingRow, error)
	CountByStatus(ctx context.Context, runID uuid.UUID) (map[stagingrow.ValidationStatus]int, error)
	CountByMatchType(ctx context.Context, runID uuid.UUID) (map[stagingrow.MatchType]int, error)
	CountOutstanding(ctx context.Context, runID uuid.UUID) (int, error)
}

type RowFilter struct {
	Status stagingrow.ValidationStatus
	Match  stagingrow.MatchType
	Limit  int
	Offset int
}

type PipelineOptions struct {
	Workers      int
	PollInterval time.Duration
	RunTimeout   time.Duration
	BatchSize    int
	MaxRows      int
	Logger       *logrus.Entry
}

func (o PipelineOptions) normalized() PipelineOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// PipelineService drives uploaded runs through parsing, validation and
// council matching. One run is processed at a time; rows within a run are
// resolved by a small worker pool since matching is pure computation.
type PipelineService struct {
	runs      *RunService
	runRepo   ImportRunRepository
	rows      StagingRowRepository
	councils  *CouncilService
	parser    *RowParser
	validator *Validator
	opts      PipelineOptions
	wake      chan struct{}
}

func NewPipelineService(runs *RunService, runRepo ImportRunRepository, rows StagingRowRepository, councils *CouncilService, opts PipelineOptions) *PipelineService {
	return &PipelineService{
		runs:      runs,
		runRepo:   runRepo,
		rows:      rows,
		councils:  councils,
		parser:    NewRowParser(),
		validator: NewValidator(),
		opts:      opts.normalized(),
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the claim loop without waiting for the next tick. Safe to
// call from any goroutine; extra nudges while one is pending are dropped.
func (s *PipelineService) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start blocks until ctx is cancelled, claiming and processing uploaded
// runs as they arrive.
func (s *PipelineService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
		s.drain(ctx)
	}
}

// ProcessPending claims and processes queued runs until none remain.
// The CLI drives the pipeline with it instead of the poll loop.
func (s *PipelineService) ProcessPending(ctx context.Context) {
	s.drain(ctx)
}

func (s *PipelineService) drain(ctx context.Context) {
	for ctx.Err() == nil {
		run, err := s.runs.ClaimNext(ctx)
		if err != nil {
			s.opts.Logger.WithError(err).Warn("registry: claiming next run failed")
			return
		}
		if run == nil {
			return
		}
		s.processRun(ctx, run)
	}
}

func (s *PipelineService) processRun(ctx context.Context, run *importrun.ImportRun) {
	log := s.opts.Logger.WithField("run_id", run.ID)
	started := time.Now()

	runCtx := ctx
	cancel := func() {}
	if s.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
	}
	defer cancel()

	err := s.process(runCtx, run)
	switch {
	case err == nil:
		log.WithField("took", time.Since(started)).Info("registry: run processed")
	case errors.Is(err, context.Canceled):
		// shutdown mid-run; the janitor reaps runs stuck in PROCESSING
		log.Warn("registry: run processing interrupted")
	case errors.Is(err, context.DeadlineExceeded):
		s.fail(ctx, run.ID, importrun.FailureCodeTimeout, "processing exceeded the time limit")
	default:
		var perr *ParseError
		if errors.As(err, &perr) {
			s.fail(ctx, run.ID, importrun.FailureCodeParse, perr.Error())
		} else {
			log.WithError(err).Error("registry: run processing failed")
			s.fail(ctx, run.ID, importrun.FailureCodeInternal, err.Error())
		}
	}
}

func (s *PipelineService) fail(ctx context.Context, id uuid.UUID, code, message string) {
	if _, err := s.runs.Fail(ctx, id, code, message); err != nil {
		s.opts.Logger.WithError(err).WithField("run_id", id).Error("registry: could not mark run failed")
	}
}

func (s *PipelineService) process(ctx context.Context, run *importrun.ImportRun) error {
	format, err := DetectFormat(run.FileName, run.ContentType)
	if err != nil {
		return newParseError(0, err.Error(), err)
	}

	dupAt, total, err := s.stage(ctx, run, format)
	if err != nil {
		return err
	}
	if err := s.runRepo.SetTotals(ctx, run.ID, total); err != nil {
		return err
	}
	return s.resolve(ctx, run, dupAt)
}

// stage streams the file into staging_rows in batches and records which
// file rows repeat an EMIS code seen earlier in the same file. Duplicates
// have to be known before any row is judged, so this pass covers the whole
// file first.
func (s *PipelineService) stage(ctx context.Context, run *importrun.ImportRun, format FileFormat) (map[int]int, int, error) {
	duplicates := NewDuplicates()
	dupAt := make(map[int]int)
	batch := make([]*stagingrow.StagingRow, 0, s.opts.BatchSize)
	staged := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.rows.BulkInsert(ctx, batch); err != nil {
			return err
		}
		staged += len(batch)
		batch = batch[:0]
		return nil
	}

	total, err := s.parser.Parse(ctx, run.ID, run.StoredPath, format, func(row *stagingrow.StagingRow) error {
		if s.opts.MaxRows > 0 && staged+len(batch) >= s.opts.MaxRows {
			return newParseError(row.FileRowNumber, fmt.Sprintf("file has more than %d data rows", s.opts.MaxRows), nil)
		}
		if first, dup := duplicates.Observe(row.EMISCode, row.FileRowNumber); dup {
			dupAt[row.FileRowNumber] = first
		}
		batch = append(batch, row)
		if len(batch) >= s.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return dupAt, total, nil
}

// resolve works through PENDING rows batch by batch. Each pass re-queries
// from offset zero: judged rows leave the PENDING set, so the next batch
// is always the lowest remaining file rows. The run's status is re-read at
// batch boundaries to notice a cancel issued mid-flight.
func (s *PipelineService) resolve(ctx context.Context, run *importrun.ImportRun, dupAt map[int]int) error {
	hierarchy, err := s.councils.Hierarchy(ctx)
	if err != nil {
		return err
	}
	matcher := NewCouncilMatcher(hierarchy, DefaultFuzzyThreshold)

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, _, err := s.rows.ListByRun(ctx, run.ID, RowFilter{Status: stagingrow.ValidationPending, Limit: s.opts.BatchSize})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		s.resolveBatch(matcher, rows, dupAt)

		if err := s.rows.UpdateResults(ctx, rows); err != nil {
			return err
		}
		processed += len(rows)
		if err := s.runRepo.UpdateProgress(ctx, run.ID, processed); err != nil {
			return err
		}

		current, err := s.runRepo.GetByID(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Status != importrun.StatusProcessing {
			s.opts.Logger.WithFields(logrus.Fields{"run_id": run.ID, "status": current.Status}).
				Info("registry: run left PROCESSING mid-flight, stopping")
			return nil
		}
	}

	status, err := s.runs.FinishProcessing(ctx, run.ID)
	if err != nil {
		return err
	}
	s.opts.Logger.WithFields(logrus.Fields{"run_id": run.ID, "status": status, "rows": processed}).
		Info("registry: run evaluated")
	return nil
}

func (s *PipelineService) resolveBatch(matcher *CouncilMatcher, rows []*stagingrow.StagingRow, dupAt map[int]int) {
	workers := s.opts.Workers
	if workers > len(rows) {
		workers = len(rows)
	}
	if workers <= 1 {
		for _, row := range rows {
			s.resolveRow(matcher, row, dupAt)
		}
		return
	}

	next := make(chan *stagingrow.StagingRow)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for row := range next {
				s.resolveRow(matcher, row, dupAt)
			}
		}()
	}
	for _, row := range rows {
		next <- row
	}
	close(next)
	wg.Wait()
}

func (s *PipelineService) resolveRow(matcher *CouncilMatcher, row *stagingrow.StagingRow, dupAt map[int]int) {
	errs := s.validator.CheckRow(row)
	if first, ok := dupAt[row.FileRowNumber]; ok {
		errs = append(errs, s.validator.DuplicateError(first))
	}

	// A fuzzy tie is not an abort: the result comes back unresolved with
	// the tie recorded as its reason.
	result, _ := matcher.Match(row.Council, row.District, row.Region)
	row.SetMatch(result.Type, result.CouncilID, result.Confidence)
	recordMatch(row.MatchType)

	switch {
	case len(errs) > 0:
		row.ValidationStatus = stagingrow.ValidationError
		row.ValidationErrors = errs
	case !row.Matched():
		row.ValidationStatus = stagingrow.ValidationRequiresReview
		row.ValidationErrors = []stagingrow.FieldError{{Field: "council", Message: result.Reason}}
	default:
		row.ValidationStatus = stagingrow.ValidationValid
		row.ValidationErrors = nil
	}
	recordRowResult(row.ValidationStatus)
}
