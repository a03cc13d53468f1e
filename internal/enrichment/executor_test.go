package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
)

// ---- fakes ----

type fakeSource struct {
	mu        sync.Mutex
	failIDs   map[string]bool
	followUps map[string][]string
	enriched  []string
	onEnrich  func(targetID string)
}

func (s *fakeSource) Enrich(ctx context.Context, targetID string, opts entity.EnrichmentOptions) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onEnrich != nil {
		s.onEnrich(targetID)
	}
	if s.failIDs[targetID] {
		return nil, errors.New("upstream said no")
	}
	s.enriched = append(s.enriched, targetID)
	return s.followUps[targetID], nil
}

type fakeJobStore struct {
	mu        sync.Mutex
	cancelled bool
	processed int
	failed    int
	total     int
	writes    int
}

func (s *fakeJobStore) UpdateProgress(ctx context.Context, id uuid.UUID, processed, failed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed, s.failed, s.total = processed, failed, total
	s.writes++
	return nil
}

func (s *fakeJobStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled, nil
}

func (s *fakeJobStore) requestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func testJob(t *testing.T, ids []string, opts entity.EnrichmentOptions) *entity.Job {
	t.Helper()
	payload, err := json.Marshal(entity.EnrichmentPayload{
		SchemaVersion: entity.PayloadSchemaVersion,
		TargetIDs:     ids,
		Options:       opts,
	})
	require.NoError(t, err)
	return &entity.Job{
		ID:         uuid.New(),
		Type:       entity.JobTypeContractorEnrichment,
		Status:     entity.StatusProcessing,
		Payload:    payload,
		TotalItems: len(ids),
	}
}

func newTestExecutor(source Source, store JobStore) *Executor {
	logger := &log.Logger{Level: log.FatalLevel}
	return NewExecutor(entity.JobTypeContractorEnrichment, source, store, events.NewBus(logger), logger)
}

// ---- tests ----

func TestRunIsolatesItemFailures(t *testing.T) {
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("record-%d", i)
	}
	source := &fakeSource{failIDs: map[string]bool{
		"record-3": true, "record-11": true, "record-19": true,
	}}
	store := &fakeJobStore{}

	out, err := newTestExecutor(source, store).Run(context.Background(), testJob(t, ids, entity.EnrichmentOptions{}))
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	assert.Equal(t, 22, summary.Processed)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 25, summary.Total)
	assert.Len(t, summary.Errors, 3)

	assert.Equal(t, 22, store.processed)
	assert.Equal(t, 3, store.failed)
	assert.LessOrEqual(t, store.processed+store.failed, store.total)
}

func TestRunEmptyTargetListCompletesImmediately(t *testing.T) {
	store := &fakeJobStore{}

	out, err := newTestExecutor(&fakeSource{}, store).Run(context.Background(), testJob(t, nil, entity.EnrichmentOptions{}))
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	assert.Zero(t, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Total)
}

func TestRunMalformedPayloadIsRunLevelFault(t *testing.T) {
	job := &entity.Job{
		ID:      uuid.New(),
		Type:    entity.JobTypeContractorEnrichment,
		Status:  entity.StatusProcessing,
		Payload: json.RawMessage(`{"schema_version":42}`),
	}

	_, err := newTestExecutor(&fakeSource{}, &fakeJobStore{}).Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrPayloadVersion)
}

func TestRunContinuousModeBoundedByDepth(t *testing.T) {
	source := &fakeSource{followUps: map[string][]string{
		"a":  {"a1"},
		"a1": {"a2"},
		"a2": {"a3"}, // depth 3, beyond the budget
	}}
	store := &fakeJobStore{}

	out, err := newTestExecutor(source, store).Run(context.Background(),
		testJob(t, []string{"a"}, entity.EnrichmentOptions{Continuous: true, MaxDepth: 2}))
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	// a, a1, a2 processed; a3 was discovered past the depth budget
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Depth)
	assert.NotContains(t, source.enriched, "a3")
}

func TestRunWithoutContinuousIgnoresFollowUps(t *testing.T) {
	source := &fakeSource{followUps: map[string][]string{"a": {"b", "c"}}}
	store := &fakeJobStore{}

	out, err := newTestExecutor(source, store).Run(context.Background(),
		testJob(t, []string{"a"}, entity.EnrichmentOptions{}))
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Total)
}

func TestRunStopsAtItemBoundaryOnCancel(t *testing.T) {
	store := &fakeJobStore{}
	source := &fakeSource{}
	source.onEnrich = func(targetID string) {
		if targetID == "b" {
			store.requestCancel()
		}
	}

	_, err := newTestExecutor(source, store).Run(context.Background(),
		testJob(t, []string{"a", "b", "c", "d"}, entity.EnrichmentOptions{}))
	assert.ErrorIs(t, err, ErrCancelled)

	// c and d were never attempted
	assert.Equal(t, []string{"a", "b"}, source.enriched)
	// counters were flushed before bailing out
	assert.Equal(t, 2, store.processed)
}
