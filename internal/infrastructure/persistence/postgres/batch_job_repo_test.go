package postgres

import (
	"encoding/json"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-pipeline/internal/domain/entity"
)

func TestBatchJobModel_RoundTrip(t *testing.T) {
	job := entity.NewBatchJob("b1", "p1", 10, 3, []entity.UnitPlan{{Sequence: 11, Directive: "转折"}})
	job.Start()
	job.RecordOutcome(entity.UnitStatusSuccess, "ch-10", "")
	job.RecordOutcome(entity.UnitStatusFailed, "", "rejected")
	job.PriorContext = json.RawMessage(`{"summary":"s"}`)
	job.Enter(entity.PhaseGeneratingUnit)

	m := toModel(job)
	assert.Equal(t, pq.Int64Array{11}, m.FailedSequences)
	assert.Equal(t, "generating_unit", m.Phase)

	got := m.toEntity()
	assert.Equal(t, job.Outcomes, got.Outcomes)
	assert.Equal(t, job.Plans, got.Plans)
	assert.Equal(t, 2, got.CurrentIndex)
	assert.JSONEq(t, `{"summary":"s"}`, string(got.PriorContext))
}

func TestBatchJobModel_EmptyCollections(t *testing.T) {
	m := toModel(entity.NewBatchJob("b1", "p1", 1, 1, nil))
	require.NotNil(t, m.FailedSequences)
	assert.Empty(t, m.FailedSequences)

	got := (&batchJobModel{ID: "b2"}).toEntity()
	assert.NotNil(t, got.Outcomes)
	assert.Empty(t, got.Outcomes)
}

func TestBatchJobModel_TableName(t *testing.T) {
	assert.Equal(t, "batch_jobs", batchJobModel{}.TableName())
}
