// Package api contains the HTTP handlers for the flow coordinator
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/internal/services"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// FlowService is the coordinator surface the REST API depends on.
type FlowService interface {
	CreateFlow(ctx context.Context, t models.Tenant, req services.CreateFlowRequest) (*models.MasterFlowRecord, error)
	GetFlow(ctx context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error)
	ListFlows(ctx context.Context, t models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error)
	GetSummary(ctx context.Context, t models.Tenant) (*models.FlowSummary, error)
	DeleteFlow(ctx context.Context, flowID string, t models.Tenant) (int, error)

	UpdateStatus(ctx context.Context, flowID string, t models.Tenant, status models.FlowStatus) (*services.MutationResult, error)
	TransitionPhase(ctx context.Context, flowID string, t models.Tenant, req services.PhaseTransitionRequest) (*services.MutationResult, error)
	UpdateFlowMetadata(ctx context.Context, flowID string, t models.Tenant, metadata, crossPhase map[string]interface{}) (*services.MutationResult, error)
	AddErrorEntry(ctx context.Context, flowID string, t models.Tenant, phase, message string, details map[string]interface{}) (*services.MutationResult, error)
	IncrementRetryCount(ctx context.Context, flowID string, t models.Tenant) (*services.MutationResult, error)

	AppendPhaseTransition(ctx context.Context, flowID string, t models.Tenant, entry models.PhaseTransition) (*services.MutationResult, error)
	AppendCollaborationLog(ctx context.Context, flowID string, t models.Tenant, entry models.LogEntry) (*services.MutationResult, error)
	MergeAgentPerformanceMetrics(ctx context.Context, flowID string, t models.Tenant, metrics map[string]interface{}) (*services.MutationResult, error)
	MergeMemoryUsageMetrics(ctx context.Context, flowID string, t models.Tenant, metrics map[string]interface{}) (*services.MutationResult, error)

	CreateChildFlow(ctx context.Context, masterFlowID string, t models.Tenant, req services.CreateChildRequest) (*models.ChildFlowRecord, error)
	GetChildFlow(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant) (*models.ChildFlowRecord, error)
	ListChildFlows(ctx context.Context, masterFlowID string, t models.Tenant) ([]*models.ChildFlowRecord, error)
	UpdateChildPhaseStatus(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant, phase, status string) (*models.ChildFlowRecord, error)
}

var _ FlowService = (*services.FlowCoordinator)(nil)

// Server holds the dependencies for the API server.
type Server struct {
	Flows FlowService
}

// NewServer creates a new Server.
func NewServer(flows FlowService) *Server {
	return &Server{Flows: flows}
}

// RegisterHandlers mounts the flow routes on g. The group is expected to
// run the auth middleware that stores the tenant.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/flows", s.ListFlows)
	g.POST("/flows", s.CreateFlow)
	g.GET("/flows/summary", s.GetSummary)
	g.GET("/flows/:flow_id", s.GetFlow)
	g.DELETE("/flows/:flow_id", s.DeleteFlow)

	g.PUT("/flows/:flow_id/status", s.UpdateStatus)
	g.POST("/flows/:flow_id/phase", s.TransitionPhase)
	g.PATCH("/flows/:flow_id/metadata", s.UpdateMetadata)
	g.POST("/flows/:flow_id/errors", s.AddError)
	g.POST("/flows/:flow_id/retries", s.IncrementRetry)

	g.POST("/flows/:flow_id/phase-transitions", s.AppendPhaseTransition)
	g.POST("/flows/:flow_id/collaboration", s.AppendCollaboration)
	g.PATCH("/flows/:flow_id/metrics/performance", s.MergePerformanceMetrics)
	g.PATCH("/flows/:flow_id/metrics/memory", s.MergeMemoryMetrics)

	g.GET("/flows/:flow_id/children", s.ListChildren)
	g.POST("/flows/:flow_id/children", s.CreateChild)
	g.GET("/children/:flow_type/:child_id", s.GetChild)
	g.PUT("/children/:flow_type/:child_id/phases/:phase", s.UpdateChildPhase)
}

// scope returns the tenant placed in the request by the auth middleware.
func scope(c echo.Context) (models.Tenant, error) {
	t, ok := tenant.FromContext(c.Request().Context())
	if !ok {
		return models.Tenant{}, echo.NewHTTPError(http.StatusUnauthorized, "tenant not found in request context")
	}
	return t, nil
}

// flowIDParam binds the flow_id path parameter.
func flowIDParam(c echo.Context) (string, error) {
	var flowID string
	err := runtime.BindStyledParameterWithOptions("simple", "flow_id", c.Param("flow_id"), &flowID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter flow_id: "+err.Error())
	}
	return flowID, nil
}

// bindBody decodes the request body only. Path parameters are left out so
// map destinations receive exactly what the caller sent.
func bindBody(c echo.Context, dest interface{}) error {
	return (&echo.DefaultBinder{}).BindBody(c, dest)
}

// respondError renders err as problem details, mapping the error category
// to an HTTP status.
func respondError(c echo.Context, err error) error {
	if he, ok := err.(*echo.HTTPError); ok {
		return he
	}
	var code string
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	switch flowerr.CategoryOf(err) {
	case flowerr.CatValidation:
		return writeProblem(c, http.StatusBadRequest, "Validation failed", code, err.Error())
	case flowerr.CatNotFound:
		return writeProblem(c, http.StatusNotFound, "Not found", code, fe.Message)
	case flowerr.CatConcurrency:
		c.Response().Header().Set("Retry-After", "1")
		return writeProblem(c, http.StatusConflict, "Concurrent modification", code, fe.Message)
	case flowerr.CatConflict:
		return writeProblem(c, http.StatusConflict, "Conflict", code, fe.Message)
	default:
		c.Logger().Error(err)
		return writeProblem(c, http.StatusInternalServerError, "Storage failure", flowerr.CodeStorageFailure, "the request could not be completed")
	}
}

// authoritative renders the result of an authoritative mutation. A
// skipped write means the flow is not visible to the caller.
func authoritative(c echo.Context, flowID string, res *services.MutationResult, err error) error {
	if err != nil {
		return respondError(c, err)
	}
	if !res.Applied() {
		return respondError(c, flowerr.NotFound(flowID))
	}
	return c.JSON(http.StatusOK, res.Flow)
}

// bestEffort renders the result of a best-effort mutation. The outcome is
// reported but a write that had no effect is not an error.
func bestEffort(c echo.Context, res *services.MutationResult, err error) error {
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"outcome": string(res.Outcome)})
}

// ListFlows returns the tenant's flows
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}

	var filter models.FlowFilter
	var flowType, status string
	var active bool
	params := c.QueryParams()
	for _, p := range []struct {
		name string
		dest interface{}
	}{
		{"flow_type", &flowType},
		{"status", &status},
		{"active", &active},
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		if err := runtime.BindQueryParameter("form", true, false, p.name, params, p.dest); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter "+p.name+": "+err.Error())
		}
	}
	filter.FlowType = models.FlowType(flowType)
	filter.FlowStatus = models.FlowStatus(status)
	filter.ActiveOnly = active

	flows, err := s.Flows.ListFlows(c.Request().Context(), t, filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, flows)
}

// CreateFlow registers a new master flow
// (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	var req services.CreateFlowRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	rec, err := s.Flows.CreateFlow(c.Request().Context(), t, req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// GetSummary returns flow counts by type and status
// (GET /api/v1/flows/summary)
func (s *Server) GetSummary(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	summary, err := s.Flows.GetSummary(c.Request().Context(), t)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GetFlow returns one flow
// (GET /api/v1/flows/{flow_id})
func (s *Server) GetFlow(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	rec, err := s.Flows.GetFlow(c.Request().Context(), flowID, t)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteFlow removes a flow and its children
// (DELETE /api/v1/flows/{flow_id})
func (s *Server) DeleteFlow(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	removed, err := s.Flows.DeleteFlow(c.Request().Context(), flowID, t)
	if err != nil {
		return respondError(c, err)
	}
	c.Response().Header().Set("X-Children-Removed", strconv.Itoa(removed))
	return c.NoContent(http.StatusNoContent)
}

type statusRequest struct {
	Status models.FlowStatus `json:"status"`
}

// UpdateStatus changes the lifecycle status
// (PUT /api/v1/flows/{flow_id}/status)
func (s *Server) UpdateStatus(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.UpdateStatus(c.Request().Context(), flowID, t, req.Status)
	return authoritative(c, flowID, res, err)
}

// TransitionPhase advances current_phase
// (POST /api/v1/flows/{flow_id}/phase)
func (s *Server) TransitionPhase(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var req services.PhaseTransitionRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.TransitionPhase(c.Request().Context(), flowID, t, req)
	return authoritative(c, flowID, res, err)
}

type metadataRequest struct {
	FlowMetadata      map[string]interface{} `json:"flow_metadata"`
	CrossPhaseContext map[string]interface{} `json:"cross_phase_context"`
}

// UpdateMetadata merges flow_metadata and cross_phase_context
// (PATCH /api/v1/flows/{flow_id}/metadata)
func (s *Server) UpdateMetadata(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var req metadataRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.UpdateFlowMetadata(c.Request().Context(), flowID, t, req.FlowMetadata, req.CrossPhaseContext)
	return authoritative(c, flowID, res, err)
}

type errorRequest struct {
	Phase   string                 `json:"phase"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details"`
}

// AddError appends to error_history
// (POST /api/v1/flows/{flow_id}/errors)
func (s *Server) AddError(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var req errorRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.AddErrorEntry(c.Request().Context(), flowID, t, req.Phase, req.Error, req.Details)
	return authoritative(c, flowID, res, err)
}

// IncrementRetry bumps retry_count
// (POST /api/v1/flows/{flow_id}/retries)
func (s *Server) IncrementRetry(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	res, err := s.Flows.IncrementRetryCount(c.Request().Context(), flowID, t)
	return authoritative(c, flowID, res, err)
}

// AppendPhaseTransition records a phase-transition log entry
// (POST /api/v1/flows/{flow_id}/phase-transitions)
func (s *Server) AppendPhaseTransition(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var entry models.PhaseTransition
	if err := bindBody(c, &entry); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.AppendPhaseTransition(c.Request().Context(), flowID, t, entry)
	return bestEffort(c, res, err)
}

// AppendCollaboration records an agent collaboration entry
// (POST /api/v1/flows/{flow_id}/collaboration)
func (s *Server) AppendCollaboration(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var entry models.LogEntry
	if err := bindBody(c, &entry); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.AppendCollaborationLog(c.Request().Context(), flowID, t, entry)
	return bestEffort(c, res, err)
}

// MergePerformanceMetrics merges allow-listed performance metrics
// (PATCH /api/v1/flows/{flow_id}/metrics/performance)
func (s *Server) MergePerformanceMetrics(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var metrics map[string]interface{}
	if err := bindBody(c, &metrics); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.MergeAgentPerformanceMetrics(c.Request().Context(), flowID, t, metrics)
	return bestEffort(c, res, err)
}

// MergeMemoryMetrics merges memory usage metrics
// (PATCH /api/v1/flows/{flow_id}/metrics/memory)
func (s *Server) MergeMemoryMetrics(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var metrics map[string]interface{}
	if err := bindBody(c, &metrics); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.Flows.MergeMemoryUsageMetrics(c.Request().Context(), flowID, t, metrics)
	return bestEffort(c, res, err)
}

// ListChildren lists the children of a flow
// (GET /api/v1/flows/{flow_id}/children)
func (s *Server) ListChildren(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	children, err := s.Flows.ListChildFlows(c.Request().Context(), flowID, t)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, children)
}

// CreateChild attaches a child flow
// (POST /api/v1/flows/{flow_id}/children)
func (s *Server) CreateChild(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	flowID, err := flowIDParam(c)
	if err != nil {
		return err
	}
	var req services.CreateChildRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	child, err := s.Flows.CreateChildFlow(c.Request().Context(), flowID, t, req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, child)
}

// GetChild returns one child flow
// (GET /api/v1/children/{flow_type}/{child_id})
func (s *Server) GetChild(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	child, err := s.Flows.GetChildFlow(c.Request().Context(), models.FlowType(c.Param("flow_type")), c.Param("child_id"), t)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, child)
}

// UpdateChildPhase sets the status of one phase on a child flow
// (PUT /api/v1/children/{flow_type}/{child_id}/phases/{phase})
func (s *Server) UpdateChildPhase(c echo.Context) error {
	t, err := scope(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	child, err := s.Flows.UpdateChildPhaseStatus(c.Request().Context(),
		models.FlowType(c.Param("flow_type")), c.Param("child_id"), t, c.Param("phase"), req.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, child)
}
