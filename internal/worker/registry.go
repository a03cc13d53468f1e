package worker

import (
	"context"
	"encoding/json"

	"cms-job-service/internal/entity"
)

// Executor runs one batch job to completion. The returned payload is
// stored as the job output. A nil error with cancellation inside the
// run is reported via enrichment.ErrCancelled instead.
type Executor interface {
	Type() entity.JobType
	Run(ctx context.Context, job *entity.Job) (json.RawMessage, error)
}

// Registry maps job types to their executors. Populated once at startup,
// read-only afterwards.
type Registry struct {
	executors map[entity.JobType]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[entity.JobType]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Type()] = e
	}
	return r
}

func (r *Registry) Lookup(typ entity.JobType) (Executor, bool) {
	e, ok := r.executors[typ]
	return e, ok
}
