package httptransport

import (
	"encoding/json"
	"net/http"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/orchestrator"
	"cms-job-service/internal/publish"
	"cms-job-service/internal/repository/postgresql"
	"cms-job-service/internal/service"
)

type createArticleDTO struct {
	Keyword  string                 `json:"keyword"`
	Priority *int                   `json:"priority,omitempty"`
	Settings entity.ArticleSettings `json:"settings"`
}

// CreateArticleJob godoc
// @Summary Create an article pipeline job
// @Description Persists a pending multi-agent article generation run. The scheduler or an explicit execute call starts it.
// @Tags articles
// @Accept json
// @Produce json
// @Param request body createArticleDTO true "article job payload"
// @Success 201 {object} entity.ArticleJob
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /articles [post]
func (h *Handler) CreateArticleJob(w http.ResponseWriter, r *http.Request) {
	var dto createArticleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	priority := 1
	if dto.Priority != nil {
		priority = *dto.Priority
	}

	job, err := h.articleSvc.CreateArticleJob(r.Context(), service.CreateArticleRequest{
		Keyword:  dto.Keyword,
		Priority: priority,
		Settings: dto.Settings,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// GetArticleJob godoc
// @Summary Get article job by id
// @Description Poll surface for pipeline progress: stage, percent, iteration, token and cost counters.
// @Tags articles
// @Produce json
// @Param id path string true "article job id (uuid)"
// @Success 200 {object} entity.ArticleJob
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /articles/{id} [get]
func (h *Handler) GetArticleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.articleSvc.GetArticleJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListArticleJobs godoc
// @Summary List article jobs
// @Tags articles
// @Produce json
// @Param status query string false "filter by status"
// @Param limit query int false "page size (default 50, max 200)"
// @Param offset query int false "page offset"
// @Success 200 {array} entity.ArticleJob
// @Failure 401 {object} apiError
// @Failure 500 {object} apiError
// @Router /articles [get]
func (h *Handler) ListArticleJobs(w http.ResponseWriter, r *http.Request) {
	f := postgresql.ArticleListFilter{
		Status: entity.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	jobs, err := h.articleSvc.ListArticleJobs(r.Context(), f)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

type executeResp struct {
	Success bool `json:"success"`
	*orchestrator.Result
}

// ExecuteArticleJob godoc
// @Summary Execute a pending article job
// @Description Claims the job and runs the pipeline synchronously to a terminal state. Requires the internal service secret or an admin session.
// @Tags articles
// @Produce json
// @Param id path string true "article job id (uuid)"
// @Success 200 {object} executeResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /articles/{id}/execute [post]
func (h *Handler) ExecuteArticleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	res, err := h.articleSvc.Execute(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, executeResp{
		Success: res.Status == entity.StatusCompleted,
		Result:  res,
	})
}

type publishDTO struct {
	ParentPageID string `json:"parent_page_id,omitempty"`
	Status       string `json:"status,omitempty"` // draft (default) or published
}

type publishResp struct {
	PageID   string `json:"page_id"`
	PagePath string `json:"page_path"`
}

// PublishArticleJob godoc
// @Summary Publish a completed article to the CMS
// @Description One-shot: converts the final markdown to a CMS page and records the page id. A second call returns 409.
// @Tags articles
// @Accept json
// @Produce json
// @Param id path string true "article job id (uuid)"
// @Param request body publishDTO false "publish options"
// @Success 201 {object} publishResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /articles/{id}/publish [post]
func (h *Handler) PublishArticleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	var dto publishDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	page, err := h.publisher.Publish(r.Context(), id, publish.Options{
		ParentPageID: dto.ParentPageID,
		Status:       dto.Status,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, publishResp{PageID: page.ID, PagePath: page.Path})
}

// CancelArticleJob godoc
// @Summary Request cancellation of an article job
// @Description Pending jobs cancel immediately; a running pipeline stops at the next stage or iteration boundary.
// @Tags articles
// @Produce json
// @Param id path string true "article job id (uuid)"
// @Success 202 {object} entity.ArticleJob
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /articles/{id}/cancel [post]
func (h *Handler) CancelArticleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.articleSvc.CancelArticleJob(r.Context(), id); err != nil {
		writeServiceErr(w, err)
		return
	}

	job, err := h.articleSvc.GetArticleJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}
