package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/repository/repositorytest"
	"migration-flows/backend/internal/services"
	"migration-flows/backend/internal/telemetry"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	e     *echo.Echo
	flags *config.StaticFlags
	store *repositorytest.MemoryFlowStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := repositorytest.NewMemoryFlowStore()
	flags := config.NewStaticFlags(true)
	svc := services.NewFlowCoordinator(store, flags, logging.NewNop(), telemetry.NewNopMetrics(), services.Options{})

	e := echo.New()
	g := e.Group("/api/v1")
	// Stands in for the auth middleware.
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scope, err := tenant.Resolve(c.Request().Header.Get("X-Client-Account-ID"), c.Request().Header.Get("X-Engagement-ID"))
			if err != nil {
				return next(c)
			}
			c.SetRequest(c.Request().WithContext(tenant.WithTenant(c.Request().Context(), scope)))
			return next(c)
		}
	})
	RegisterHandlers(g, NewServer(svc))
	return &testAPI{e: e, flags: flags, store: store}
}

func (a *testAPI) do(t *testing.T, tn models.Tenant, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tn.ClientAccountID != "" {
		req.Header.Set("X-Client-Account-ID", tn.ClientAccountID)
		req.Header.Set("X-Engagement-ID", tn.EngagementID)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func newTenant() models.Tenant {
	return models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}
}

func TestFlowLifecycle(t *testing.T) {
	api := newTestAPI(t)
	tn := newTenant()

	rec := api.do(t, tn, http.MethodPost, "/api/v1/flows", `{"flow_id":"F1","flow_type":"discovery","flow_name":"CMDB import"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.MasterFlowRecord](t, rec)
	assert.Equal(t, tn, created.Tenant())

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows", `{"flow_id":"F1","flow_type":"discovery"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/phase", `{"phase":"field_mapping"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, "INVALID_PHASE", problem.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/phase", `{"phase":"data_import","phase_flow_id":"child-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flow := decode[models.MasterFlowRecord](t, rec)
	assert.Equal(t, "data_import", flow.CurrentPhase)
	assert.Equal(t, models.StatusRunning, flow.FlowStatus)

	rec = api.do(t, tn, http.MethodPut, "/api/v1/flows/F1/status", `{"status":"paused"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, tn, http.MethodPatch, "/api/v1/flows/F1/metadata", `{"flow_metadata":{"owner":"ops"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/retries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/errors", `{"error":"timeout","details":{"host":"db1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	flow = decode[models.MasterFlowRecord](t, rec)
	require.Len(t, flow.ErrorHistory, 1)
	assert.Equal(t, 1, flow.ErrorHistory[0].RetryCount)
	assert.Equal(t, "data_import", flow.ErrorHistory[0].Phase)

	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows/F1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	flow = decode[models.MasterFlowRecord](t, rec)
	assert.Equal(t, "ops", flow.FlowMetadata["owner"])
	assert.Equal(t, models.StatusPaused, flow.FlowStatus)

	rec = api.do(t, tn, http.MethodDelete, "/api/v1/flows/F1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows/F1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	owner, other := newTenant(), newTenant()

	rec := api.do(t, owner, http.MethodPost, "/api/v1/flows", `{"flow_id":"F1","flow_type":"planning"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	foreign := api.do(t, other, http.MethodGet, "/api/v1/flows/F1", "")
	missing := api.do(t, other, http.MethodGet, "/api/v1/flows/F2", "")
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, missing.Code, foreign.Code)
	assert.Equal(t, decode[ProblemDetails](t, missing).Code, decode[ProblemDetails](t, foreign).Code)

	rec = api.do(t, other, http.MethodPut, "/api/v1/flows/F1/status", `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, other, http.MethodPatch, "/api/v1/flows/F1/metrics/memory", `{"rss_mb":12}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "skipped", decode[map[string]string](t, rec)["outcome"])

	rec = api.do(t, models.Tenant{}, http.MethodGet, "/api/v1/flows", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBestEffortEndpoints(t *testing.T) {
	api := newTestAPI(t)
	tn := newTenant()
	require.Equal(t, http.StatusCreated,
		api.do(t, tn, http.MethodPost, "/api/v1/flows", `{"flow_id":"F1","flow_type":"collection"}`).Code)

	rec := api.do(t, tn, http.MethodPatch, "/api/v1/flows/F1/metrics/performance", `{"latency_ms":20,"secret":"x"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "applied", decode[map[string]string](t, rec)["outcome"])

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/collaboration", `{"agent":"mapper","message":"done"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/phase-transitions", `{"phase":"gap_analysis","status":"running"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(t, tn, http.MethodPost, "/api/v1/flows/F1/phase-transitions", `{"phase":"wave_planning"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	api.flags.Set(false)
	rec = api.do(t, tn, http.MethodPatch, "/api/v1/flows/F1/metrics/memory", `{"rss_mb":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "disabled", decode[map[string]string](t, rec)["outcome"])

	flow := decode[models.MasterFlowRecord](t, api.do(t, tn, http.MethodGet, "/api/v1/flows/F1", ""))
	assert.Equal(t, map[string]interface{}{"latency_ms": 20.0}, flow.AgentPerformanceMetrics)
	assert.Empty(t, flow.MemoryUsageMetrics)
	require.Len(t, flow.AgentCollaborationLog, 1)
	assert.Equal(t, "mapper", flow.AgentCollaborationLog[0]["agent"])
	assert.NotContains(t, flow.AgentCollaborationLog[0], "flow_id")
	assert.Len(t, flow.PhaseTransitions, 1)
	assert.Equal(t, models.PhaseInitialized, flow.CurrentPhase)
}

func TestListingAndSummary(t *testing.T) {
	api := newTestAPI(t)
	tn := newTenant()
	for _, body := range []string{
		`{"flow_type":"discovery"}`, `{"flow_type":"discovery"}`, `{"flow_type":"assessment"}`,
	} {
		require.Equal(t, http.StatusCreated, api.do(t, tn, http.MethodPost, "/api/v1/flows", body).Code)
	}

	rec := api.do(t, tn, http.MethodGet, "/api/v1/flows?flow_type=discovery", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.MasterFlowRecord](t, rec), 2)

	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows?limit=1&offset=1&active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.MasterFlowRecord](t, rec), 1)

	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows?flow_type=migration", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[models.FlowSummary](t, rec)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByType[models.FlowTypeDiscovery])
}

func TestChildEndpoints(t *testing.T) {
	api := newTestAPI(t)
	tn := newTenant()
	require.Equal(t, http.StatusCreated,
		api.do(t, tn, http.MethodPost, "/api/v1/flows", `{"flow_id":"M1","flow_type":"assessment"}`).Code)

	rec := api.do(t, tn, http.MethodPost, "/api/v1/flows/M1/children", `{"flow_id":"C1","flow_type":"assessment","payload":{"apps":3}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, newTenant(), http.MethodPost, "/api/v1/flows/M1/children", `{"flow_type":"assessment"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, tn, http.MethodPut, "/api/v1/children/assessment/C1/phases/tech_debt_analysis", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	child := decode[models.ChildFlowRecord](t, rec)
	assert.Equal(t, "completed", child.PhaseStatus["tech_debt_analysis"])

	rec = api.do(t, tn, http.MethodPut, "/api/v1/children/assessment/C1/phases/wave_planning", `{"status":"completed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, tn, http.MethodGet, "/api/v1/flows/M1/children", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ChildFlowRecord](t, rec), 1)

	rec = api.do(t, tn, http.MethodDelete, "/api/v1/flows/M1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Children-Removed"))

	rec = api.do(t, tn, http.MethodGet, "/api/v1/children/assessment/C1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflictCarriesRetryAfter(t *testing.T) {
	api := newTestAPI(t)
	tn := newTenant()
	require.Equal(t, http.StatusCreated,
		api.do(t, tn, http.MethodPost, "/api/v1/flows", `{"flow_id":"F1","flow_type":"decommission"}`).Code)

	api.store.BeforeWrite = func(flowID string) {
		_, err := api.store.MutateFlow(context.Background(), flowID, tn, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
			n := cur.RetryCount + 1
			return &models.FlowUpdate{RetryCount: &n}, nil
		})
		require.NoError(t, err)
	}

	rec := api.do(t, tn, http.MethodPut, "/api/v1/flows/F1/status", `{"status":"running"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "STALE_VERSION", decode[ProblemDetails](t, rec).Code)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthEndpoints(t *testing.T) {
	e := echo.New()
	h := NewHandler(pinger{err: errors.New("down")}, "test")
	e.GET("/healthz", h.HandleHealth)
	e.GET("/readyz", h.HandleReady)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[HealthStatus](t, rec).Status)
}
