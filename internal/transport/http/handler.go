package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"cms-job-service/internal/auth"
	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
	"cms-job-service/internal/publish"
	"cms-job-service/internal/repository/postgresql"
	"cms-job-service/internal/service"
)

type Handler struct {
	jobSvc     *service.JobService
	articleSvc *service.ArticleService
	publisher  *publish.Publisher
	gate       *auth.Gate
	bus        *events.Bus
	logger     *log.Logger
}

func NewHandler(
	jobSvc *service.JobService,
	articleSvc *service.ArticleService,
	publisher *publish.Publisher,
	gate *auth.Gate,
	bus *events.Bus,
	logger *log.Logger,
) *Handler {
	return &Handler{
		jobSvc:     jobSvc,
		articleSvc: articleSvc,
		publisher:  publisher,
		gate:       gate,
		bus:        bus,
		logger:     logger,
	}
}

func parseID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

type createJobDTO struct {
	Type      string                   `json:"type"`
	Priority  *int                     `json:"priority,omitempty"` // 0=low,1=normal,2=high (nil => default 1)
	TargetIDs []string                 `json:"target_ids"`
	Options   entity.EnrichmentOptions `json:"options"`
}

// CreateJob godoc
// @Summary Create a batch enrichment job
// @Description Persists the job as pending and enqueues its id for background processing. At most one active job per type.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job payload (priority: 0=low,1=normal,2=high)"
// @Success 201 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	priority := 1
	if dto.Priority != nil {
		priority = *dto.Priority
	}

	job, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		Type:      entity.JobType(dto.Type),
		Priority:  priority,
		TargetIDs: dto.TargetIDs,
		Options:   dto.Options,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// GetJob godoc
// @Summary Get batch job by id
// @Description Poll surface for job progress: status, counters and output.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListJobs godoc
// @Summary List batch jobs
// @Tags jobs
// @Produce json
// @Param status query string false "filter by status"
// @Param type query string false "filter by job type"
// @Param limit query int false "page size (default 50, max 200)"
// @Param offset query int false "page offset"
// @Success 200 {array} entity.Job
// @Failure 401 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := postgresql.ListFilter{
		Status: entity.JobStatus(r.URL.Query().Get("status")),
		Type:   entity.JobType(r.URL.Query().Get("type")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	jobs, err := h.jobSvc.ListJobs(r.Context(), f)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// CancelJob godoc
// @Summary Request cancellation of a batch job
// @Description Pending jobs cancel immediately; processing ones stop at the next item boundary.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 202 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.jobSvc.CancelJob(r.Context(), id); err != nil {
		writeServiceErr(w, err)
		return
	}

	job, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}
