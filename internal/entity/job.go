package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status is immutable
// (except for the one permitted page_id write on publish).
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobType is the closed set of batch job kinds. Dispatch happens through the
// worker registry, never through string branching at call sites.
type JobType string

const (
	JobTypeContractorEnrichment JobType = "contractor_enrichment"
	JobTypeReviewEnrichment     JobType = "review_enrichment"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeContractorEnrichment, JobTypeReviewEnrichment:
		return true
	}
	return false
}

// Job is a persisted unit of batch background work.
// Invariant: ProcessedItems + FailedItems <= TotalItems at all times.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	Type            JobType         `json:"type"`
	Status          JobStatus       `json:"status"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	ProcessedItems  int             `json:"processed_items"`
	FailedItems     int             `json:"failed_items"`
	TotalItems      int             `json:"total_items"`
	Output          json.RawMessage `json:"output,omitempty"`
	LastError       *string         `json:"last_error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// PayloadSchemaVersion is bumped whenever the payload shape changes.
// Claims reject payloads with an unknown version before any work starts.
const PayloadSchemaVersion = 1

var (
	ErrPayloadVersion = errors.New("unsupported payload schema version")
	ErrEmptyPayload   = errors.New("empty payload")
)

// EnrichmentPayload is the typed payload for enrichment job types.
type EnrichmentPayload struct {
	SchemaVersion int               `json:"schema_version"`
	TargetIDs     []string          `json:"target_ids"`
	Options       EnrichmentOptions `json:"options"`
}

// EnrichmentOptions controls the optional crawling-style traversal mode.
// MaxDepth bounds how many levels of follow-up IDs are visited past the
// initial batch; it is only honored when Continuous is set.
type EnrichmentOptions struct {
	Continuous bool `json:"continuous"`
	MaxDepth   int  `json:"max_depth"`
}

// DecodeEnrichmentPayload decodes a payload strictly: unknown fields and
// unknown schema versions are rejected so a malformed job fails before it
// is treated as runnable work.
func DecodeEnrichmentPayload(raw json.RawMessage) (*EnrichmentPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p EnrichmentPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.SchemaVersion != PayloadSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrPayloadVersion, p.SchemaVersion)
	}
	if p.Options.MaxDepth < 0 {
		return nil, errors.New("max_depth must be >= 0")
	}
	return &p, nil
}
