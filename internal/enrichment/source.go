package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cms-job-service/internal/entity"
)

// Source is the port to the external system that enriches one record.
// Follow-up IDs feed the optional continuous traversal mode.
type Source interface {
	Enrich(ctx context.Context, targetID string, opts entity.EnrichmentOptions) ([]string, error)
}

// HTTPSource calls the platform's enrichment API. The core treats it as a
// collaborator: one POST per record, follow-ups in the response body.
type HTTPSource struct {
	jobType  entity.JobType
	baseURL  string
	apiToken string
	client   *http.Client
}

func NewHTTPSource(jobType entity.JobType, baseURL, apiToken string) *HTTPSource {
	return &HTTPSource{
		jobType:  jobType,
		baseURL:  baseURL,
		apiToken: apiToken,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type enrichResponse struct {
	FollowUpIDs []string `json:"follow_up_ids"`
}

func (s *HTTPSource) Enrich(ctx context.Context, targetID string, opts entity.EnrichmentOptions) ([]string, error) {
	body, err := json.Marshal(map[string]any{
		"continuous": opts.Continuous,
		"max_depth":  opts.MaxDepth,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/enrich/%s/%s", s.baseURL, s.jobType, targetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrich %s: unexpected status %d", targetID, resp.StatusCode)
	}

	var out enrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("enrich %s: decode response: %w", targetID, err)
	}
	return out.FollowUpIDs, nil
}
