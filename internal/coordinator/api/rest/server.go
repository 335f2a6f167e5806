package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/service"
	"github.com/nemanja-m/lectern/internal/coordinator/workflow"
	"github.com/nemanja-m/lectern/internal/shared/config"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// WorkflowService starts and controls workflow instances.
type WorkflowService interface {
	Start(ctx context.Context, def *core.WorkflowDefinition, mediaPackage string, configuration map[string]string) (*core.WorkflowInstance, error)
	Get(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error)
	List(ctx context.Context, filter core.WorkflowFilter) ([]*core.WorkflowInstance, int, error)
	Pause(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error)
	Resume(ctx context.Context, id uuid.UUID, properties map[string]string) (*core.WorkflowInstance, error)
	Stop(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

// DefinitionSource holds the registered workflow definitions.
type DefinitionSource interface {
	Register(def *core.WorkflowDefinition) error
	Unregister(id string) error
	Get(id string) (*core.WorkflowDefinition, error)
	List() []*core.WorkflowDefinition
}

type Dependencies struct {
	Directory   core.ServiceDirectory
	Jobs        core.JobStore
	Dispatcher  core.Dispatcher
	Workflows   WorkflowService
	Definitions DefinitionSource
}

type API struct {
	directory   core.ServiceDirectory
	jobs        core.JobStore
	dispatcher  core.Dispatcher
	workflows   WorkflowService
	definitions DefinitionSource

	logger logging.Logger
}

func NewAPI(deps Dependencies, logger logging.Logger) *API {
	return &API{
		directory:   deps.Directory,
		jobs:        deps.Jobs,
		dispatcher:  deps.Dispatcher,
		workflows:   deps.Workflows,
		definitions: deps.Definitions,
		logger:      logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflows", a.startWorkflow)
	mux.HandleFunc("GET /api/workflows", a.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", a.getWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/{action}", a.controlWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", a.removeWorkflow)

	mux.HandleFunc("GET /api/definitions", a.listDefinitions)
	mux.HandleFunc("POST /api/definitions", a.registerDefinition)
	mux.HandleFunc("GET /api/definitions/{id}", a.getDefinition)
	mux.HandleFunc("DELETE /api/definitions/{id}", a.unregisterDefinition)
	mux.HandleFunc("GET /api/definitions/{id}/runnable", a.definitionRunnable)

	mux.HandleFunc("GET /api/services", a.listServices)
	mux.HandleFunc("POST /api/services", a.registerService)
	mux.HandleFunc("DELETE /api/services", a.unregisterService)
	mux.HandleFunc("PUT /api/services/maintenance", a.setMaintenance)
	mux.HandleFunc("GET /api/services/eligible/{type}", a.listEligible)
	mux.HandleFunc("GET /api/services/statistics", a.serviceStatistics)

	mux.HandleFunc("GET /api/hosts", a.listHosts)
	mux.HandleFunc("GET /api/hosts/load", a.hostLoads)
	mux.HandleFunc("DELETE /api/hosts/{host}", a.removeHost)

	mux.HandleFunc("POST /api/jobs", a.createJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/count", a.countJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("PUT /api/jobs/{id}", a.reportJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.deleteJob)

	mux.HandleFunc("GET /healthz", a.health)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// startWorkflow handles POST /api/workflows
func (a *API) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	def := req.Definition
	if def == nil {
		if req.DefinitionID == "" {
			a.respondError(w, http.StatusBadRequest, "validation failed", "definitionId or definition is required")
			return
		}
		var err error
		if def, err = a.definitions.Get(req.DefinitionID); err != nil {
			a.respondErr(w, err)
			return
		}
	}

	inst, err := a.workflows.Start(r.Context(), def, req.MediaPackage, req.Configuration)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, ToWorkflowResponse(inst))
}

// listWorkflows handles GET /api/workflows with filters and pagination
func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pagination(query.Get("limit"), query.Get("offset"))

	filter := core.WorkflowFilter{
		DefinitionID: query.Get("definition"),
		Limit:        limit,
		Offset:       offset,
	}
	if s := query.Get("state"); s != "" {
		state, err := core.ParseWorkflowState(s)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid state", err.Error())
			return
		}
		filter.State = &state
	}

	instances, total, err := a.workflows.List(r.Context(), filter)
	if err != nil {
		a.respondErr(w, err)
		return
	}

	resp := ListWorkflowsResponse{
		Workflows:  make([]WorkflowResponse, 0, len(instances)),
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		NextOffset: nextOffset(offset, len(instances), total),
	}
	for _, inst := range instances {
		resp.Workflows = append(resp.Workflows, ToWorkflowResponse(inst))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// getWorkflow handles GET /api/workflows/{id}
func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	inst, err := a.workflows.Get(r.Context(), id)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, ToWorkflowResponse(inst))
}

// controlWorkflow handles POST /api/workflows/{id}/pause|resume|stop
func (a *API) controlWorkflow(w http.ResponseWriter, r *http.Request) {
	var action func(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error)
	switch r.PathValue("action") {
	case "pause":
		action = a.workflows.Pause
	case "resume":
		var req ResumeWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		action = func(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error) {
			return a.workflows.Resume(ctx, id, req.Properties)
		}
	case "stop":
		action = a.workflows.Stop
	default:
		a.respondError(w, http.StatusNotFound, "unknown action", r.PathValue("action"))
		return
	}

	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	inst, err := action(r.Context(), id)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, ToWorkflowResponse(inst))
}

func (a *API) removeWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	if err := a.workflows.Remove(r.Context(), id); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDefinitions(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, ListDefinitionsResponse{Definitions: a.definitions.List()})
}

func (a *API) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := a.definitions.Get(r.PathValue("id"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, def)
}

// registerDefinition handles POST /api/definitions
func (a *API) registerDefinition(w http.ResponseWriter, r *http.Request) {
	var def core.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := a.definitions.Register(&def); err != nil {
		a.respondErr(w, err)
		return
	}
	registered, err := a.definitions.Get(def.ID)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.logger.Info("Workflow definition registered", "definition", registered.ID)
	a.respondJSON(w, http.StatusCreated, registered)
}

func (a *API) unregisterDefinition(w http.ResponseWriter, r *http.Request) {
	if err := a.definitions.Unregister(r.PathValue("id")); err != nil {
		a.respondErr(w, err)
		return
	}
	a.logger.Info("Workflow definition unregistered", "definition", r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// definitionRunnable handles GET /api/definitions/{id}/runnable
func (a *API) definitionRunnable(w http.ResponseWriter, r *http.Request) {
	def, err := a.definitions.Get(r.PathValue("id"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	missing, err := workflow.MissingCapabilities(r.Context(), a.directory, def)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, RunnableResponse{
		DefinitionID:        def.ID,
		Runnable:            len(missing) == 0,
		MissingCapabilities: missing,
	})
}

// listServices handles GET /api/services, optionally filtered by type or host.
func (a *API) listServices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		regs []*core.ServiceRegistration
		err  error
	)
	switch {
	case query.Get("type") != "":
		regs, err = a.directory.RegistrationsByType(r.Context(), query.Get("type"))
	case query.Get("host") != "":
		regs, err = a.directory.RegistrationsByHost(r.Context(), query.Get("host"))
	default:
		regs, err = a.directory.Registrations(r.Context())
	}
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, toListServices(regs))
}

func (a *API) registerService(w http.ResponseWriter, r *http.Request) {
	var req RegisterServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	reg, err := a.directory.Register(r.Context(), req.ServiceType, req.Host, req.Path, req.JobProducer)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, ToServiceResponse(reg))
}

// unregisterService handles DELETE /api/services?type=&host=&path=
func (a *API) unregisterService(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("type") == "" || query.Get("host") == "" || query.Get("path") == "" {
		a.respondError(w, http.StatusBadRequest, "validation failed", "type, host and path are required")
		return
	}
	if err := a.directory.Unregister(r.Context(), query.Get("type"), query.Get("host"), query.Get("path")); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := a.directory.SetMaintenance(r.Context(), req.ServiceType, req.Host, req.InMaintenance); err != nil {
		a.respondErr(w, err)
		return
	}
	regs, err := a.directory.RegistrationsByHost(r.Context(), req.Host)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	matching := regs[:0]
	for _, reg := range regs {
		if reg.ServiceType == req.ServiceType {
			matching = append(matching, reg)
		}
	}
	a.respondJSON(w, http.StatusOK, toListServices(matching))
}

func (a *API) listEligible(w http.ResponseWriter, r *http.Request) {
	regs, err := a.directory.ListEligible(r.Context(), r.PathValue("type"))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, toListServices(regs))
}

func (a *API) serviceStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.directory.ServiceStatistics(r.Context())
	if err != nil {
		a.respondErr(w, err)
		return
	}
	resp := ListServiceStatisticsResponse{Statistics: make([]ServiceStatisticsResponse, 0, len(stats))}
	for _, s := range stats {
		resp.Statistics = append(resp.Statistics, ToServiceStatisticsResponse(s))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *API) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := a.directory.Hosts(r.Context())
	if err != nil {
		a.respondErr(w, err)
		return
	}
	resp := ListHostsResponse{Hosts: make([]HostResponse, 0, len(hosts))}
	for _, h := range hosts {
		resp.Hosts = append(resp.Hosts, ToHostResponse(h))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *API) hostLoads(w http.ResponseWriter, r *http.Request) {
	loads, err := a.directory.LoadStatistics(r.Context())
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, ToHostLoadsResponse(loads))
}

func (a *API) removeHost(w http.ResponseWriter, r *http.Request) {
	if err := a.directory.UnregisterHost(r.Context(), r.PathValue("host")); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createJob handles POST /api/jobs. The job is dispatched right away unless the
// request asks for it to be queued.
func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Operation) == "" {
		a.respondError(w, http.StatusBadRequest, "validation failed", "type and operation are required")
		return
	}

	job, err := a.jobs.CreateJob(r.Context(), core.JobSpec{
		Type:      req.Type,
		Operation: req.Operation,
		Arguments: req.Arguments,
		Payload:   req.Payload,
	})
	if err != nil {
		a.respondErr(w, err)
		return
	}
	if req.Queue {
		a.respondJSON(w, http.StatusAccepted, ToJobResponse(job))
		return
	}

	if err := a.dispatcher.DispatchJob(r.Context(), job); err != nil {
		a.respondErr(w, err)
		return
	}
	if latest, err := a.jobs.GetJob(r.Context(), job.ID); err == nil {
		job = latest
	}
	a.respondJSON(w, http.StatusCreated, ToJobResponse(job))
}

// listJobs handles GET /api/jobs with filters and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pagination(query.Get("limit"), query.Get("offset"))

	filter := core.JobFilter{
		Type:       query.Get("type"),
		Host:       query.Get("host"),
		WorkflowID: query.Get("workflowId"),
		Standalone: query.Get("standalone") == "true",
		Limit:      limit,
		Offset:     offset,
	}
	if s := query.Get("status"); s != "" {
		status, err := core.ParseJobStatus(s)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid status", err.Error())
			return
		}
		filter.Status = &status
	}

	jobs, total, err := a.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	resp := ListJobsResponse{
		Jobs:       make([]JobResponse, 0, len(jobs)),
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		NextOffset: nextOffset(offset, len(jobs), total),
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, ToJobResponse(job))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// countJobs handles GET /api/jobs/count?type=&status=&host=
func (a *API) countJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status, err := core.ParseJobStatus(query.Get("status"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid status", err.Error())
		return
	}

	var count int
	if host := query.Get("host"); host != "" {
		count, err = a.jobs.CountJobsOnHost(r.Context(), query.Get("type"), status, host)
	} else {
		count, err = a.jobs.CountJobs(r.Context(), query.Get("type"), status)
	}
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, CountResponse{Count: count})
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	job, err := a.jobs.GetJob(r.Context(), id)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, ToJobResponse(job))
}

// reportJob handles PUT /api/jobs/{id}, the HTTP form of a completion report.
func (a *API) reportJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req JobReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	status, result, err := req.ToJobResult()
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	job, err := service.CompleteJob(r.Context(), a.jobs, id, status, result)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, ToJobResponse(job))
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	if err := a.jobs.DeleteJob(r.Context(), id); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func toListServices(regs []*core.ServiceRegistration) ListServicesResponse {
	resp := ListServicesResponse{Services: make([]ServiceResponse, 0, len(regs))}
	for _, reg := range regs {
		resp.Services = append(resp.Services, ToServiceResponse(reg))
	}
	return resp
}

func pagination(limitStr, offsetStr string) (int, int) {
	limit := defaultPageSize
	if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
		limit = min(l, maxPageSize)
	}
	offset := 0
	if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

func nextOffset(offset, page, total int) *int {
	if end := offset + page; end < total {
		return &end
	}
	return nil
}

// statusFor maps coordinator errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidRegistration),
		errors.Is(err, core.ErrInvalidDefinition),
		errors.Is(err, core.ErrInvalidReport):
		return http.StatusBadRequest
	case core.IsIllegalTransition(err),
		errors.Is(err, core.ErrJobFinalized),
		errors.Is(err, core.ErrAlreadyDispatching),
		errors.Is(err, core.ErrJobNotQueued):
		return http.StatusConflict
	case core.IsDispatchFailure(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) respondErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("Request failed", "error", err)
	}
	a.respondError(w, code, http.StatusText(code), err.Error())
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

func NewServer(cfg config.RESTConfig, auth config.AuthConfig, api *API, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	}
	if auth.JWTSecret != "" {
		middlewares = append(middlewares, AuthMiddleware([]byte(auth.JWTSecret), logger))
	}

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      ChainMiddleware(mux, middlewares...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
