package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/changeset"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

type UploadInput struct {
	FileName      string
	ContentType   string
	Size          int64
	Reader        io.Reader
	DryRun        bool
	Authoritative bool
	CreatedBy     string
}

type RunProgress struct {
	TotalRows     int     `json:"total_rows"`
	ProcessedRows int     `json:"processed_rows"`
	Percentage    float64 `json:"percentage"`
}

type ValidationSummary struct {
	Pending        int `json:"pending"`
	Valid          int `json:"valid"`
	Errors         int `json:"errors"`
	RequiresReview int `json:"requires_review"`
}

type MappingSummary struct {
	Exact     int `json:"exact"`
	Alias     int `json:"alias"`
	Fuzzy     int `json:"fuzzy"`
	Manual    int `json:"manual"`
	Unmatched int `json:"unmatched"`
}

type RunDetail struct {
	Run        *importrun.ImportRun `json:"import_run"`
	Progress   RunProgress          `json:"progress"`
	Validation ValidationSummary    `json:"validation"`
	Mapping    MappingSummary       `json:"mapping"`
}

type ChangesetView struct {
	RunID      uuid.UUID         `json:"run_id"`
	CreatedAt  time.Time         `json:"created_at"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty"`
	Total      int               `json:"total"`
	Entries    []changeset.Entry `json:"entries"`
}

// ImportService owns upload intake and the read models for runs, staged
// rows and changesets. Stored files are named by run-independent uuid so
// uploads with the same filename never collide.
type ImportService struct {
	runs       ImportRunRepository
	rows       StagingRowRepository
	changesets ChangesetRepository
	uploadsDir string
	maxSize    int64
	onUpload   func()
}

func NewImportService(runs ImportRunRepository, rows StagingRowRepository, changesets ChangesetRepository, uploadsDir string, maxSize int64) *ImportService {
	return &ImportService{
		runs:       runs,
		rows:       rows,
		changesets: changesets,
		uploadsDir: uploadsDir,
		maxSize:    maxSize,
	}
}

// OnUpload registers a callback fired after each accepted upload. The
// pipeline uses it to wake its claim loop without waiting for the ticker.
func (s *ImportService) OnUpload(fn func()) {
	s.onUpload = fn
}

func (s *ImportService) Upload(ctx context.Context, input UploadInput) (*importrun.ImportRun, error) {
	fileName := filepath.Base(strings.TrimSpace(input.FileName))
	if fileName == "" || fileName == "." {
		return nil, newServiceError(http.StatusBadRequest, "REGISTRY_INVALID_BODY", "file name is required", nil)
	}
	if input.DryRun && input.Authoritative {
		return nil, newServiceError(http.StatusBadRequest, "REGISTRY_FLAGS_EXCLUSIVE", "dry_run and authoritative cannot be combined", nil)
	}
	format, err := DetectFormat(fileName, input.ContentType)
	if err != nil {
		return nil, newServiceError(http.StatusBadRequest, "REGISTRY_UNSUPPORTED_FORMAT", err.Error(), err)
	}
	if s.maxSize > 0 && input.Size > s.maxSize {
		return nil, newServiceError(http.StatusRequestEntityTooLarge, "REGISTRY_FILE_TOO_LARGE", fmt.Sprintf("file exceeds the %d byte limit", s.maxSize), nil)
	}

	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return nil, newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL", "could not prepare upload storage", err)
	}
	storedPath := filepath.Join(s.uploadsDir, uuid.New().String()+strings.ToLower(filepath.Ext(fileName)))
	written, err := s.saveFile(storedPath, input.Reader)
	if err != nil {
		return nil, err
	}

	mtype, err := mimetype.DetectFile(storedPath)
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL", "could not inspect uploaded file", err)
	}
	if !contentMatches(format, mtype) {
		_ = os.Remove(storedPath)
		return nil, newServiceError(http.StatusBadRequest, "REGISTRY_CONTENT_MISMATCH",
			fmt.Sprintf("file content (%s) does not match the %s extension", mtype.String(), format), nil)
	}

	createdBy := strings.TrimSpace(input.CreatedBy)
	if createdBy == "" {
		createdBy = initiatorOf(ctx)
	}
	run := &importrun.ImportRun{
		FileName:      fileName,
		FileSize:      written,
		StoredPath:    storedPath,
		ContentType:   mtype.String(),
		ImportType:    importrun.TypeSchools,
		DryRun:        input.DryRun,
		Authoritative: input.Authoritative,
		Status:        importrun.StatusUploaded,
		CreatedBy:     createdBy,
	}
	created, err := inTx(ctx, func(txCtx context.Context) (*importrun.ImportRun, error) {
		return s.runs.Create(txCtx, run)
	})
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, mapPgError(err)
	}
	if s.onUpload != nil {
		s.onUpload()
	}
	return created, nil
}

func (s *ImportService) saveFile(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL", "could not store uploaded file", err)
	}
	limit := src
	if s.maxSize > 0 {
		limit = io.LimitReader(src, s.maxSize+1)
	}
	written, err := io.Copy(dst, limit)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, newServiceError(http.StatusInternalServerError, "REGISTRY_INTERNAL", "could not store uploaded file", err)
	}
	if s.maxSize > 0 && written > s.maxSize {
		_ = os.Remove(path)
		return 0, newServiceError(http.StatusRequestEntityTooLarge, "REGISTRY_FILE_TOO_LARGE", fmt.Sprintf("file exceeds the %d byte limit", s.maxSize), nil)
	}
	return written, nil
}

func contentMatches(format FileFormat, mtype *mimetype.MIME) bool {
	switch format {
	case FormatCSV:
		return strings.HasPrefix(mtype.String(), "text/") || mtype.Is("application/csv")
	case FormatXLSX:
		return mtype.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet") ||
			mtype.Is("application/zip")
	case FormatXLS:
		return mtype.Is("application/vnd.ms-excel") || mtype.Is("application/x-ole-storage")
	}
	return false
}

func (s *ImportService) GetRunDetail(ctx context.Context, id uuid.UUID) (*RunDetail, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	statuses, err := s.rows.CountByStatus(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	matches, err := s.rows.CountByMatchType(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}

	detail := &RunDetail{
		Run: run,
		Progress: RunProgress{
			TotalRows:     run.TotalRows,
			ProcessedRows: run.ProcessedRows,
		},
		Validation: ValidationSummary{
			Pending:        statuses[stagingrow.ValidationPending],
			Valid:          statuses[stagingrow.ValidationValid],
			Errors:         statuses[stagingrow.ValidationError],
			RequiresReview: statuses[stagingrow.ValidationRequiresReview],
		},
		Mapping: MappingSummary{
			Exact:     matches[stagingrow.MatchExact],
			Alias:     matches[stagingrow.MatchAlias],
			Fuzzy:     matches[stagingrow.MatchFuzzy],
			Manual:    matches[stagingrow.MatchManual],
			Unmatched: matches[stagingrow.MatchNone],
		},
	}
	if run.TotalRows > 0 {
		detail.Progress.Percentage = float64(run.ProcessedRows) / float64(run.TotalRows) * 100
	}
	return detail, nil
}

// ListRows returns staged rows of a run. Rows stay queryable in every run
// state, including CANCELLED and FAILED.
func (s *ImportService) ListRows(ctx context.Context, runID uuid.UUID, filter RowFilter) ([]*stagingrow.StagingRow, int, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, newServiceError(http.StatusBadRequest, "REGISTRY_INVALID_BODY", fmt.Sprintf("unknown validation status %q", filter.Status), nil)
	}
	if filter.Match != "" && !filter.Match.IsValid() {
		return nil, 0, newServiceError(http.StatusBadRequest, "REGISTRY_INVALID_BODY", fmt.Sprintf("unknown match type %q", filter.Match), nil)
	}
	if _, err := s.runs.GetByID(ctx, runID); err != nil {
		return nil, 0, mapPgError(err)
	}
	rows, total, err := s.rows.ListByRun(ctx, runID, filter)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	return rows, total, nil
}

func (s *ImportService) GetChangeset(ctx context.Context, runID uuid.UUID, limit, offset int) (*ChangesetView, error) {
	if _, err := s.runs.GetByID(ctx, runID); err != nil {
		return nil, mapPgError(err)
	}
	header, err := s.changesets.GetHeader(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newServiceError(http.StatusNotFound, "REGISTRY_CHANGESET_NOT_FOUND", "run has no changeset", err)
		}
		return nil, mapPgError(err)
	}
	entries, total, err := s.changesets.ListEntries(ctx, runID, limit, offset)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &ChangesetView{
		RunID:      header.RunID,
		CreatedAt:  header.CreatedAt,
		ConsumedAt: header.ConsumedAt,
		Total:      total,
		Entries:    entries,
	}, nil
}
