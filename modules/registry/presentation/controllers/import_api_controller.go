package controllers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/application"
	"github.com/edulink-sl/edulink/pkg/configuration"
	"github.com/edulink-sl/edulink/pkg/constants"
	"github.com/edulink-sl/edulink/pkg/middleware"
)

type ImportAPIController struct {
	app       application.Application
	imports   *services.ImportService
	runs      *services.RunService
	commits   *services.CommitService
	rollbacks *services.RollbackService
	apiPrefix string
}

func NewImportAPIController(app application.Application) application.Controller {
	return &ImportAPIController{
		app:       app,
		imports:   app.Service(services.ImportService{}).(*services.ImportService),
		runs:      app.Service(services.RunService{}).(*services.RunService),
		commits:   app.Service(services.CommitService{}).(*services.CommitService),
		rollbacks: app.Service(services.RollbackService{}).(*services.RollbackService),
		apiPrefix: "/api/v1",
	}
}

func (c *ImportAPIController) Key() string {
	return c.apiPrefix + "/school-imports"
}

func (c *ImportAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.Use(
		middleware.RequestParams(),
	)

	api.HandleFunc("/school-imports", instrumentAPI("registry.imports.create", c.CreateImport)).Methods(http.MethodPost)
	api.HandleFunc("/school-imports", instrumentAPI("registry.imports.list", c.ListImports)).Methods(http.MethodGet)
	api.HandleFunc("/school-imports/{id}", instrumentAPI("registry.imports.get", c.GetImport)).Methods(http.MethodGet)
	api.HandleFunc("/school-imports/{id}/rows", instrumentAPI("registry.imports.rows", c.ListRows)).Methods(http.MethodGet)
	api.HandleFunc("/school-imports/{id}/rows:map-council", instrumentAPI("registry.imports.map_council", c.MapCouncil)).Methods(http.MethodPost)
	api.HandleFunc("/school-imports/{id}:commit", instrumentAPI("registry.imports.commit", c.Commit)).Methods(http.MethodPost)
	api.HandleFunc("/school-imports/{id}:cancel", instrumentAPI("registry.imports.cancel", c.Cancel)).Methods(http.MethodPost)
	api.HandleFunc("/school-imports/{id}:rollback", instrumentAPI("registry.imports.rollback", c.Rollback)).Methods(http.MethodPost)
	api.HandleFunc("/school-imports/{id}/changeset", instrumentAPI("registry.imports.changeset", c.GetChangeset)).Methods(http.MethodGet)
}

type createImportResponse struct {
	ImportRunID   string           `json:"import_run_id"`
	Status        importrun.Status `json:"status"`
	DryRun        bool             `json:"dry_run"`
	Authoritative bool             `json:"authoritative"`
}

func (c *ImportAPIController) CreateImport(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)
	conf := configuration.Use()

	// Headroom over the file cap covers the multipart framing and the flag
	// fields; the service re-checks the file size on its own.
	r.Body = http.MaxBytesReader(w, r.Body, conf.MaxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(conf.MaxUploadMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, requestID, "REGISTRY_FILE_TOO_LARGE", "uploaded file exceeds the size limit")
			return
		}
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	dryRun, err := formBool(r, "dry_run")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "dry_run must be a boolean")
		return
	}
	authoritative, err := formBool(r, "authoritative")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "authoritative must be a boolean")
		return
	}

	run, err := c.imports.Upload(r.Context(), services.UploadInput{
		FileName:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Size:          header.Size,
		Reader:        file,
		DryRun:        dryRun,
		Authoritative: authoritative,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusCreated, createImportResponse{
		ImportRunID:   run.ID.String(),
		Status:        run.Status,
		DryRun:        run.DryRun,
		Authoritative: run.Authoritative,
	})
}

type listImportsQuery struct {
	Status string `query:"status"`
	Limit  int    `query:"limit"`
	Offset int    `query:"offset"`
}

func (c *ImportAPIController) ListImports(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	var q listImportsQuery
	if !decodeQuery(w, r, requestID, &q) {
		return
	}

	runs, total, err := c.runs.ListRuns(r.Context(), services.RunListParams{
		Status: importrun.Status(strings.TrimSpace(q.Status)),
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}

	type listImportsResponse struct {
		Total      int                    `json:"total"`
		ImportRuns []*importrun.ImportRun `json:"import_runs"`
	}
	writeJSON(w, http.StatusOK, listImportsResponse{Total: total, ImportRuns: runs})
}

func (c *ImportAPIController) GetImport(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}

	detail, err := c.imports.GetRunDetail(r.Context(), id)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type listRowsQuery struct {
	ValidationStatus string `query:"validation_status"`
	MatchType        string `query:"match_type"`
	Limit            int    `query:"limit"`
	Offset           int    `query:"offset"`
}

func (c *ImportAPIController) ListRows(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}
	var q listRowsQuery
	if !decodeQuery(w, r, requestID, &q) {
		return
	}

	rows, total, err := c.imports.ListRows(r.Context(), id, services.RowFilter{
		Status: stagingrow.ValidationStatus(strings.TrimSpace(q.ValidationStatus)),
		Match:  stagingrow.MatchType(strings.TrimSpace(q.MatchType)),
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}

	type listRowsResponse struct {
		Total int                      `json:"total"`
		Rows  []*stagingrow.StagingRow `json:"rows"`
	}
	writeJSON(w, http.StatusOK, listRowsResponse{Total: total, Rows: rows})
}

type mapCouncilRequest struct {
	RowIDs    []uuid.UUID `json:"row_ids"`
	CouncilID uuid.UUID   `json:"council_id" validate:"required"`
}

func (c *ImportAPIController) MapCouncil(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}

	var req mapCouncilRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "invalid json body")
		return
	}
	if err := constants.Validate.Struct(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "council_id is required")
		return
	}

	res, err := c.runs.MapCouncil(r.Context(), id, req.RowIDs, req.CouncilID)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type commitImportRequest struct {
	ConfirmOverwrites bool `json:"confirm_overwrites"`
}

func (c *ImportAPIController) Commit(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}

	// An empty body means no overwrites confirmed.
	var req commitImportRequest
	if err := decodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, requestID, "REGISTRY_INVALID_BODY", "invalid json body")
		return
	}

	res, err := c.commits.Commit(r.Context(), id, req.ConfirmOverwrites)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *ImportAPIController) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}

	run, err := c.runs.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}

	type cancelImportResponse struct {
		ImportRun *importrun.ImportRun `json:"import_run"`
	}
	writeJSON(w, http.StatusOK, cancelImportResponse{ImportRun: run})
}

func (c *ImportAPIController) Rollback(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}

	res, err := c.rollbacks.Rollback(r.Context(), id)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *ImportAPIController) GetChangeset(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	id, ok := pathID(w, r, requestID)
	if !ok {
		return
	}
	var q pageQuery
	if !decodeQuery(w, r, requestID, &q) {
		return
	}

	view, err := c.imports.GetChangeset(r.Context(), id, q.Limit, q.Offset)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func formBool(r *http.Request, key string) (bool, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
