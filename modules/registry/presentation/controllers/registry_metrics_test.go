package controllers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestInstrumentAPI_UsesStableEndpointLabel(t *testing.T) {
	handler := instrumentAPI("registry.test.endpoint", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/school-imports/abc:commit", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "registry_api_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := labelsToMap(m)
			if labels["endpoint"] == "registry.test.endpoint" && labels["result"] == "4xx" {
				require.NotNil(t, m.GetCounter())
				require.GreaterOrEqual(t, m.GetCounter().GetValue(), float64(1))
				found = true
				break
			}
		}
	}
	require.True(t, found, "expected metric registry_api_requests_total with endpoint label")
}

func TestInstrumentAPI_DefaultsToOKWithoutExplicitHeader(t *testing.T) {
	handler := instrumentAPI("registry.test.implicit_ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/api/v1/school-imports", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "registry_api_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := labelsToMap(m)
			if labels["endpoint"] == "registry.test.implicit_ok" && labels["result"] == "2xx" {
				found = true
				break
			}
		}
	}
	require.True(t, found, "expected a 2xx sample for the implicit-OK endpoint")
}

func labelsToMap(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
