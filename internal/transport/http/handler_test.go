package httptransport_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-job-service/internal/auth"
	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
	"cms-job-service/internal/orchestrator"
	"cms-job-service/internal/publish"
	"cms-job-service/internal/repository/postgresql"
	"cms-job-service/internal/service"
	httptransport "cms-job-service/internal/transport/http"
)

// ---- fakes ----

type fakeJobRepo struct {
	jobs map[uuid.UUID]*entity.Job
}

func newJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*entity.Job{}}
}

func (r *fakeJobRepo) Create(_ context.Context, typ entity.JobType, priority int, payload json.RawMessage, totalItems int) (*entity.Job, error) {
	now := time.Now().UTC()
	j := &entity.Job{
		ID:         uuid.New(),
		Type:       typ,
		Status:     entity.StatusPending,
		Priority:   priority,
		Payload:    payload,
		TotalItems: totalItems,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.jobs[j.ID] = j
	return j, nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	return j, nil
}

func (r *fakeJobRepo) FindActive(_ context.Context, typ entity.JobType) (*entity.Job, error) {
	for _, j := range r.jobs {
		if j.Type == typ && !j.Status.Terminal() {
			return j, nil
		}
	}
	return nil, postgresql.ErrNotFound
}

func (r *fakeJobRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if j.Status == entity.StatusPending {
		j.Status = entity.StatusCancelled
	} else {
		j.CancelRequested = true
	}
	return nil
}

func (r *fakeJobRepo) List(_ context.Context, _ postgresql.ListFilter) ([]entity.Job, error) {
	out := make([]entity.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out, nil
}

type queueStub struct {
	enqueuedIDs        []string
	enqueuedPriorities []int
}

func (q *queueStub) Enqueue(_ context.Context, jobID string, priority int) error {
	q.enqueuedIDs = append(q.enqueuedIDs, jobID)
	q.enqueuedPriorities = append(q.enqueuedPriorities, priority)
	return nil
}

type fakeArticleRepo struct {
	jobs map[uuid.UUID]*entity.ArticleJob
}

func newArticleRepo(jobs ...*entity.ArticleJob) *fakeArticleRepo {
	r := &fakeArticleRepo{jobs: map[uuid.UUID]*entity.ArticleJob{}}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeArticleRepo) Create(_ context.Context, keyword string, priority int, settings entity.ArticleSettings) (*entity.ArticleJob, error) {
	now := time.Now().UTC()
	j := &entity.ArticleJob{
		ID:            uuid.New(),
		Keyword:       keyword,
		Status:        entity.StatusPending,
		Priority:      priority,
		MaxIterations: settings.MaxIterations,
		Settings:      settings,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.jobs[j.ID] = j
	return j, nil
}

func (r *fakeArticleRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.ArticleJob, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	return j, nil
}

func (r *fakeArticleRepo) Claim(_ context.Context, id uuid.UUID) error {
	j, ok := r.jobs[id]
	if !ok || j.Status != entity.StatusPending {
		return postgresql.ErrNotClaimed
	}
	j.Status = entity.StatusProcessing
	return nil
}

func (r *fakeArticleRepo) ClaimNextPending(_ context.Context) (*entity.ArticleJob, error) {
	for _, j := range r.jobs {
		if j.Status == entity.StatusPending {
			j.Status = entity.StatusProcessing
			return j, nil
		}
	}
	return nil, postgresql.ErrNotClaimed
}

func (r *fakeArticleRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if j.Status == entity.StatusPending {
		j.Status = entity.StatusCancelled
	} else {
		j.CancelRequested = true
	}
	return nil
}

func (r *fakeArticleRepo) List(_ context.Context, _ postgresql.ArticleListFilter) ([]entity.ArticleJob, error) {
	out := make([]entity.ArticleJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out, nil
}

// SetPageID gives the same fake to the publisher.
func (r *fakeArticleRepo) SetPageID(_ context.Context, id uuid.UUID, pageID string) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if j.Status != entity.StatusCompleted || j.PageID != nil {
		return postgresql.ErrAlreadyPublished
	}
	j.PageID = &pageID
	return nil
}

type runnerStub struct {
	result *orchestrator.Result
}

func (s *runnerStub) Run(context.Context, uuid.UUID) (*orchestrator.Result, error) {
	return s.result, nil
}

type pageServiceStub struct {
	pages []publish.CreatePageRequest
}

func (s *pageServiceStub) CreatePage(_ context.Context, req publish.CreatePageRequest) (*publish.Page, error) {
	s.pages = append(s.pages, req)
	return &publish.Page{ID: "page-1", Path: "/articles/" + req.Slug}, nil
}

// ---- helpers ----

const testSecret = "internal-test-secret"

type env struct {
	router      http.Handler
	jobRepo     *fakeJobRepo
	articleRepo *fakeArticleRepo
	queue       *queueStub
	pages       *pageServiceStub
	bus         *events.Bus
}

func newEnv(runner *runnerStub) *env {
	logger := &log.Logger{Level: log.FatalLevel}

	e := &env{
		jobRepo:     newJobRepo(),
		articleRepo: newArticleRepo(),
		queue:       &queueStub{},
		pages:       &pageServiceStub{},
		bus:         events.NewBus(logger),
	}

	jobSvc := service.NewJobService(e.jobRepo, e.queue, logger)
	articleSvc := service.NewArticleService(e.articleRepo, runner, service.ArticleDefaults{
		MaxIterations:    3,
		QualityThreshold: 7,
		TargetWordCount:  1500,
		Model:            "claude-sonnet-4-20250514",
	}, logger)
	publisher := publish.NewPublisher(e.articleRepo, e.pages, logger)
	gate := auth.NewGate(testSecret, nil)

	h := httptransport.NewHandler(jobSvc, articleSvc, publisher, gate, e.bus, logger)
	e.router = httptransport.Routes(h, logger)
	return e
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func internalHeader() http.Header {
	h := http.Header{}
	h.Set(auth.InternalSecretHeader, testSecret)
	return h
}

// ---- batch job tests ----

func TestCreateJobStoresPriorityAndEnqueues(t *testing.T) {
	e := newEnv(&runnerStub{})

	body := `{"type":"contractor_enrichment","priority":2,"target_ids":["c1","c2"]}`
	rr := doJSON(t, e.router, http.MethodPost, "/jobs", body, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var job entity.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, entity.JobTypeContractorEnrichment, job.Type)
	assert.Equal(t, 2, job.Priority)
	assert.Equal(t, 2, job.TotalItems)

	require.Len(t, e.queue.enqueuedIDs, 1)
	assert.Equal(t, job.ID.String(), e.queue.enqueuedIDs[0])
	assert.Equal(t, []int{2}, e.queue.enqueuedPriorities)
}

func TestCreateJobRejectsUnknownType(t *testing.T) {
	e := newEnv(&runnerStub{})

	rr := doJSON(t, e.router, http.MethodPost, "/jobs", `{"type":"mystery","target_ids":["x"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateJobConflictsWithActiveJob(t *testing.T) {
	e := newEnv(&runnerStub{})

	body := `{"type":"review_enrichment","target_ids":["r1"]}`
	rr := doJSON(t, e.router, http.MethodPost, "/jobs", body, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, e.router, http.MethodPost, "/jobs", body, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetJobNotFound(t *testing.T) {
	e := newEnv(&runnerStub{})

	rr := doJSON(t, e.router, http.MethodGet, "/jobs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, e.router, http.MethodGet, "/jobs/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelPendingJob(t *testing.T) {
	e := newEnv(&runnerStub{})

	rr := doJSON(t, e.router, http.MethodPost, "/jobs", `{"type":"contractor_enrichment","target_ids":["c1"]}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var job entity.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))

	rr = doJSON(t, e.router, http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", "", internalHeader())
	require.Equal(t, http.StatusAccepted, rr.Code)

	var got entity.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, entity.StatusCancelled, got.Status)

	// a second cancel hits a terminal job
	rr = doJSON(t, e.router, http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", "", internalHeader())
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCancelAndListRequireAuth(t *testing.T) {
	e := newEnv(&runnerStub{})

	rr := doJSON(t, e.router, http.MethodPost, "/jobs", `{"type":"contractor_enrichment","target_ids":["c1"]}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var job entity.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/jobs/" + job.ID.String() + "/cancel"},
		{http.MethodGet, "/jobs"},
		{http.MethodGet, "/articles"},
		{http.MethodPost, "/articles/" + uuid.NewString() + "/cancel"},
	} {
		rr := doJSON(t, e.router, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, tc.path)
	}

	// the job is untouched by the rejected cancel
	rr = doJSON(t, e.router, http.MethodGet, "/jobs/"+job.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got entity.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, entity.StatusPending, got.Status)

	// with the secret, listing works
	rr = doJSON(t, e.router, http.MethodGet, "/jobs", "", internalHeader())
	require.Equal(t, http.StatusOK, rr.Code)
	var jobs []entity.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

// ---- article job tests ----

func TestCreateArticleJobFillsDefaults(t *testing.T) {
	e := newEnv(&runnerStub{})

	rr := doJSON(t, e.router, http.MethodPost, "/articles", `{"keyword":"stamped concrete cost"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var job entity.ArticleJob
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, "stamped concrete cost", job.Keyword)
	assert.Equal(t, 3, job.Settings.MaxIterations)
	assert.Equal(t, 7, job.Settings.QualityThreshold)
}

func TestCreateArticleJobValidatesSettings(t *testing.T) {
	e := newEnv(&runnerStub{})

	body := `{"keyword":"k","settings":{"max_iterations":50}}`
	rr := doJSON(t, e.router, http.MethodPost, "/articles", body, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExecuteRequiresAuth(t *testing.T) {
	e := newEnv(&runnerStub{})

	rr := doJSON(t, e.router, http.MethodPost, "/articles", `{"keyword":"k"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var job entity.ArticleJob
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))

	rr = doJSON(t, e.router, http.MethodPost, "/articles/"+job.ID.String()+"/execute", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	bad := http.Header{}
	bad.Set(auth.InternalSecretHeader, "wrong")
	rr = doJSON(t, e.router, http.MethodPost, "/articles/"+job.ID.String()+"/execute", "", bad)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestExecuteRunsPipeline(t *testing.T) {
	runner := &runnerStub{result: &orchestrator.Result{
		Status:          entity.StatusCompleted,
		TotalTokensUsed: 4321,
		Iterations:      2,
	}}
	e := newEnv(runner)

	rr := doJSON(t, e.router, http.MethodPost, "/articles", `{"keyword":"k"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var job entity.ArticleJob
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))

	rr = doJSON(t, e.router, http.MethodPost, "/articles/"+job.ID.String()+"/execute", "", internalHeader())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(4321), resp["total_tokens_used"])
	assert.Equal(t, float64(2), resp["iterations"])

	// the claim moved the job out of pending; a second execute conflicts
	rr = doJSON(t, e.router, http.MethodPost, "/articles/"+job.ID.String()+"/execute", "", internalHeader())
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestPublishIsOneShot(t *testing.T) {
	e := newEnv(&runnerStub{})

	job, err := e.articleRepo.Create(context.Background(), "kw", 1, entity.ArticleSettings{MaxIterations: 3, QualityThreshold: 7})
	require.NoError(t, err)
	job.Status = entity.StatusCompleted
	job.FinalOutput = &entity.FinalOutput{
		Title:   "Stamped Concrete Cost Guide",
		Slug:    "stamped-concrete-cost-guide",
		Content: "## Overview\n\nSome **markdown** body.",
	}

	path := "/articles/" + job.ID.String() + "/publish"

	rr := doJSON(t, e.router, http.MethodPost, path, `{"status":"draft"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, e.router, http.MethodPost, path, `{"status":"draft"}`, internalHeader())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "page-1", resp["page_id"])
	assert.Equal(t, "/articles/stamped-concrete-cost-guide", resp["page_path"])
	require.NotNil(t, job.PageID)

	rr = doJSON(t, e.router, http.MethodPost, path, `{"status":"draft"}`, internalHeader())
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Len(t, e.pages.pages, 1)
}

func TestPublishRejectsIncompleteJob(t *testing.T) {
	e := newEnv(&runnerStub{})

	job, err := e.articleRepo.Create(context.Background(), "kw", 1, entity.ArticleSettings{MaxIterations: 3, QualityThreshold: 7})
	require.NoError(t, err)

	rr := doJSON(t, e.router, http.MethodPost, "/articles/"+job.ID.String()+"/publish", "", internalHeader())
	assert.Equal(t, http.StatusConflict, rr.Code)
}

// ---- event stream test ----

func TestStreamEventsClosesOnTerminalEvent(t *testing.T) {
	e := newEnv(&runnerStub{})
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	jobID := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/articles/"+jobID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// wait for the handler to subscribe before publishing
	require.Eventually(t, func() bool {
		return e.bus.SubscriberCount(jobID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	e.bus.Publish(events.Event{JobID: jobID, Type: events.TypeProgress, Status: entity.StatusProcessing, ProgressPercent: 40})
	e.bus.Publish(events.Event{JobID: jobID, Type: events.TypeCompleted, Status: entity.StatusCompleted, ProgressPercent: 100})

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	stream := strings.Join(lines, "\n")
	assert.Contains(t, stream, "event: progress")
	assert.Contains(t, stream, "event: completed")
	assert.Contains(t, stream, `"progress_percent":100`)
}
