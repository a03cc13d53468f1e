package entity_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-job-service/internal/entity"
)

func TestDecodeEnrichmentPayload(t *testing.T) {
	p, err := entity.DecodeEnrichmentPayload(json.RawMessage(
		`{"schema_version":1,"target_ids":["a","b"],"options":{"continuous":true,"max_depth":2}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.TargetIDs)
	assert.True(t, p.Options.Continuous)
	assert.Equal(t, 2, p.Options.MaxDepth)
}

func TestDecodeEnrichmentPayload_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    `{"schema_version":1,"target_ids":[],"extra":true}`,
		"bad version":      `{"schema_version":99,"target_ids":[]}`,
		"negative depth":   `{"schema_version":1,"target_ids":[],"options":{"max_depth":-1}}`,
		"not json":         `nope`,
		"wrong value type": `{"schema_version":1,"target_ids":"a"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := entity.DecodeEnrichmentPayload(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}

	_, err := entity.DecodeEnrichmentPayload(nil)
	assert.ErrorIs(t, err, entity.ErrEmptyPayload)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, entity.StatusPending.Terminal())
	assert.False(t, entity.StatusProcessing.Terminal())
	assert.True(t, entity.StatusCompleted.Terminal())
	assert.True(t, entity.StatusFailed.Terminal())
	assert.True(t, entity.StatusCancelled.Terminal())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "stamped-concrete-cost", entity.Slugify("Stamped Concrete Cost"))
	assert.Equal(t, "how-much-is-it", entity.Slugify("  How Much -- Is It? "))
	assert.Equal(t, "", entity.Slugify("???"))
}
