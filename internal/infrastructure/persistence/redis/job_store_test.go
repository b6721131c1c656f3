package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-pipeline/internal/config"
	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
)

func TestJobStore_KeyLayout(t *testing.T) {
	s := NewJobStore(nil, "", time.Hour)
	assert.Equal(t, "batch:job:b1", s.jobKey("b1"))
	assert.Equal(t, "batch:job:active", s.activeKey())
	assert.Equal(t, "batch:job:project:p1", s.projectKey("p1"))

	custom := NewJobStore(nil, "test:", 0)
	assert.Equal(t, "test:b1", custom.jobKey("b1"))
}

func TestDecodeJob(t *testing.T) {
	job := entity.NewBatchJob("b1", "p1", 3, 2, nil)
	job.Start()
	job.Enter(entity.PhaseFinalizingUnit)
	job.ActiveUnitID = "ch-3"

	data, err := json.Marshal(job)
	require.NoError(t, err)

	got, err := decodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, entity.PhaseFinalizingUnit, got.Phase)
	assert.Equal(t, "ch-3", got.ActiveUnitID)
	assert.Equal(t, 3, got.StartSequence)

	_, err = decodeJob([]byte("{broken"))
	assert.Error(t, err)
}

func newTestStore(t *testing.T, ttl time.Duration) (*JobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewClient(&config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewJobStore(client, "", ttl), mr
}

func TestJobStore_SaveTracksActiveSet(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	job := entity.NewBatchJob("b1", "p1", 1, 2, nil)
	job.Start()
	job.Enter(entity.PhaseAwaitingNextUnitReady)
	require.NoError(t, store.Save(ctx, job))

	ok, err := mr.IsMember("batch:job:active", "b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("batch:job:b1"))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, entity.PhaseAwaitingNextUnitReady, active[0].Phase)

	job.Complete()
	require.NoError(t, store.Save(ctx, job))

	ok, err = mr.IsMember("batch:job:active", "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := store.GetByID(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.BatchStatusCompleted, got.Status)
}

func TestJobStore_ListActivePrunesExpiredJobs(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, entity.NewBatchJob("old", "p1", 1, 1, nil)))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, store.Save(ctx, entity.NewBatchJob("fresh", "p2", 1, 1, nil)))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)

	members, err := mr.Members("batch:job:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)

	got, err := store.GetByID(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobStore_ListByProjectPagesNewestFirst(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		job := entity.NewBatchJob(fmt.Sprintf("b%d", i), "p1", 1, 1, nil)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Save(ctx, job))
	}
	require.NoError(t, store.Save(ctx, entity.NewBatchJob("other", "p2", 1, 1, nil)))

	page, err := store.ListByProject(ctx, "p1", repository.NewPagination(1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, []string{"b4", "b3"}, jobIDs(page.Items))

	page, err = store.ListByProject(ctx, "p1", repository.NewPagination(3, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"b0"}, jobIDs(page.Items))

	page, err = store.ListByProject(ctx, "p1", repository.NewPagination(4, 2))
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestJobStore_DeleteRemovesIndexes(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, entity.NewBatchJob("b1", "p1", 1, 1, nil)))
	require.NoError(t, store.Delete(ctx, "b1"))

	assert.False(t, mr.Exists("batch:job:b1"))
	ok, err := mr.IsMember("batch:job:active", "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	page, err := store.ListByProject(ctx, "p1", repository.NewPagination(1, 10))
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestJobStore_SaveFailsWhenRedisErrors(t *testing.T) {
	store, mr := newTestStore(t, 0)
	mr.SetError("LOADING redis is loading the dataset")

	err := store.Save(context.Background(), entity.NewBatchJob("b1", "p1", 1, 1, nil))
	assert.Error(t, err)
}

func jobIDs(jobs []*entity.BatchJob) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
