package controllers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/application"
	"github.com/edulink-sl/edulink/pkg/middleware"
)

// CouncilAPIController serves the council picker used when reviewers map
// unresolved rows by hand.
type CouncilAPIController struct {
	app       application.Application
	councils  *services.CouncilService
	apiPrefix string
}

func NewCouncilAPIController(app application.Application) application.Controller {
	return &CouncilAPIController{
		app:       app,
		councils:  app.Service(services.CouncilService{}).(*services.CouncilService),
		apiPrefix: "/api/v1",
	}
}

func (c *CouncilAPIController) Key() string {
	return c.apiPrefix + "/councils"
}

func (c *CouncilAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.Use(
		middleware.RequestParams(),
	)

	api.HandleFunc("/councils", instrumentAPI("registry.councils.list", c.ListCouncils)).Methods(http.MethodGet)
}

type listCouncilsQuery struct {
	Search string `query:"search"`
	Limit  int    `query:"limit"`
	Offset int    `query:"offset"`
}

func (c *CouncilAPIController) ListCouncils(w http.ResponseWriter, r *http.Request) {
	requestID := ensureRequestID(r)

	var q listCouncilsQuery
	if !decodeQuery(w, r, requestID, &q) {
		return
	}

	councils, total, err := c.councils.List(r.Context(), services.CouncilListParams{
		Search: strings.TrimSpace(q.Search),
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}

	type listCouncilsResponse struct {
		Total    int                       `json:"total"`
		Councils []*services.CouncilDetail `json:"councils"`
	}
	writeJSON(w, http.StatusOK, listCouncilsResponse{Total: total, Councils: councils})
}
