package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
	apperrors "z-novel-pipeline/pkg/errors"
)

func newTestService(t *testing.T, h *harness, policy string) (*Service, *Bus) {
	t.Helper()
	bus := NewBus()
	orch := NewOrchestrator(testConfig(), h.gen, h.fin, h.cursor, h.repo, MultiSink{bus, h.sink})
	svc := NewService(orch, h.repo, bus, ServiceConfig{FailurePolicy: policy, MaxRetries: 1})
	t.Cleanup(func() {
		require.NoError(t, svc.Shutdown(context.Background()))
	})
	return svc, bus
}

func waitDone(t *testing.T, svc *Service, id string) {
	t.Helper()
	select {
	case <-svc.Done(id):
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestService_StartAndGet(t *testing.T) {
	h := newHarness()
	svc, _ := newTestService(t, h, "stop")
	ctx := context.Background()

	job, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 2})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	waitDone(t, svc, job.ID)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.BatchStatusCompleted, got.Status)
	assert.Len(t, got.Outcomes, 2)

	page, err := svc.List(ctx, "p-1", repository.NewPagination(1, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestService_StartValidation(t *testing.T) {
	h := newHarness()
	svc, _ := newTestService(t, h, "stop")

	_, err := svc.Start(context.Background(), StartRequest{ProjectID: "p-1"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParam))

	_, err = svc.Start(context.Background(), StartRequest{ProjectID: "p-1", TotalUnits: 1, FailurePolicy: "maybe"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParam))
}

func TestService_ConcurrentStartOneProject(t *testing.T) {
	h := newHarness()
	h.fin.manual = true
	h.repo.saveDelay = 2 * time.Millisecond
	svc, _ := newTestService(t, h, "stop")
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		started   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 2})
			switch {
			case err == nil:
				started.Add(1)
			case apperrors.HasCode(err, apperrors.CodeBatchConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(31), conflicts.Load())

	page, err := svc.List(ctx, "p-1", repository.NewPagination(1, 50))
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestService_StartReleasesProjectWhenSaveFails(t *testing.T) {
	h := newHarness()
	svc, _ := newTestService(t, h, "stop")
	ctx := context.Background()

	h.repo.mu.Lock()
	h.repo.saveErr = errors.New("connection refused")
	h.repo.mu.Unlock()

	_, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 1})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDatabaseError))

	h.repo.mu.Lock()
	h.repo.saveErr = nil
	h.repo.mu.Unlock()

	job, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 1})
	require.NoError(t, err)
	waitDone(t, svc, job.ID)
}

func TestService_GetUnknown(t *testing.T) {
	h := newHarness()
	svc, _ := newTestService(t, h, "stop")

	_, err := svc.Get(context.Background(), "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBatchNotFound))
}

func TestService_InteractiveDecisionAndEvents(t *testing.T) {
	h := newHarness()
	h.gen.rejectTimes[1] = -1
	svc, _ := newTestService(t, h, PolicyAsk)
	ctx := context.Background()

	job, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 2})
	require.NoError(t, err)

	events, unsubscribe := svc.Subscribe(job.ID)
	defer unsubscribe()

	// 一个项目同时只能有一个批量任务
	_, err = svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 3, TotalUnits: 1})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBatchConflict))

	require.Eventually(t, func() bool {
		return svc.Decide(ctx, job.ID, DecisionStop) == nil
	}, 2*time.Second, time.Millisecond)

	waitDone(t, svc, job.ID)

	var final Event
	for evt := range events {
		if evt.IsFinal() {
			final = evt
			break
		}
	}
	assert.Equal(t, entity.BatchStatusFailed, final.Status)
	require.Len(t, final.Outcomes, 1)
	assert.Equal(t, entity.UnitStatusFailed, final.Outcomes[0].Status)

	err = svc.Decide(ctx, job.ID, DecisionRetry)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDecisionNotPending))
}

func TestService_DecisionAcceptedOnDecisionRequired(t *testing.T) {
	h := newHarness()
	h.gen.rejectTimes[1] = 1

	var svc *Service
	decided := make(chan error, 1)
	answer := sinkFunc(func(evt Event) {
		if evt.Type == EventDecisionRequired {
			decided <- svc.Decide(context.Background(), evt.BatchID, DecisionRetry)
		}
	})
	bus := NewBus()
	orch := NewOrchestrator(testConfig(), h.gen, h.fin, h.cursor, h.repo, MultiSink{bus, answer})
	svc = NewService(orch, h.repo, bus, ServiceConfig{FailurePolicy: PolicyAsk})
	t.Cleanup(func() {
		require.NoError(t, svc.Shutdown(context.Background()))
	})
	ctx := context.Background()

	job, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 1})
	require.NoError(t, err)

	select {
	case err := <-decided:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("decision_required was not emitted")
	}
	waitDone(t, svc, job.ID)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.BatchStatusCompleted, got.Status)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, []int{1, 1}, h.gen.Calls())
}

func TestService_Cancel(t *testing.T) {
	h := newHarness()
	h.fin.manual = true
	svc, _ := newTestService(t, h, "stop")
	ctx := context.Background()

	job, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := svc.Get(ctx, job.ID)
		return got.Phase == entity.PhaseAwaitingNextUnitReady
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, svc.Cancel(ctx, job.ID))
	waitDone(t, svc, job.ID)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.BatchStatusCancelled, got.Status)
	assert.Len(t, got.Outcomes, 1)

	assert.True(t, apperrors.HasCode(svc.Cancel(ctx, job.ID), apperrors.CodeBatchConflict))
}

func TestService_ReconcileResumesPersistedJobs(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	finalizing := entity.NewBatchJob("b-final", "p-1", 1, 1, nil)
	finalizing.Start()
	finalizing.ActiveUnitID = "unit-1"
	finalizing.Enter(entity.PhaseFinalizingUnit)
	require.NoError(t, h.repo.Save(ctx, finalizing))

	streaming := entity.NewBatchJob("b-stream", "p-2", 4, 1, nil)
	streaming.Start()
	streaming.Attempt = 1
	streaming.Enter(entity.PhaseAwaitingUnitCompletion)
	require.NoError(t, h.repo.Save(ctx, streaming))

	finished := entity.NewBatchJob("b-done", "p-3", 1, 1, nil)
	finished.Complete()
	require.NoError(t, h.repo.Save(ctx, finished))

	svc, _ := newTestService(t, h, "stop")
	n, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waitDone(t, svc, "b-final")
	waitDone(t, svc, "b-stream")

	got, err := svc.Get(ctx, "b-final")
	require.NoError(t, err)
	assert.Equal(t, entity.BatchStatusCompleted, got.Status)

	got, err = svc.Get(ctx, "b-stream")
	require.NoError(t, err)
	assert.Equal(t, entity.BatchStatusCompleted, got.Status)
	assert.Equal(t, "unit-4", got.Outcomes[0].UnitID)

	// 定稿中的任务不会重新生成
	assert.Equal(t, []int{4}, h.gen.Calls())
}

func TestService_ShutdownLeavesJobResumable(t *testing.T) {
	h := newHarness()
	h.fin.manual = true
	bus := NewBus()
	orch := NewOrchestrator(testConfig(), h.gen, h.fin, h.cursor, h.repo, bus)
	svc := NewService(orch, h.repo, bus, ServiceConfig{FailurePolicy: "stop"})
	ctx := context.Background()

	job, err := svc.Start(ctx, StartRequest{ProjectID: "p-1", StartSequence: 1, TotalUnits: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := svc.Get(ctx, job.ID)
		return got.Phase == entity.PhaseAwaitingNextUnitReady
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, svc.Shutdown(ctx))

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsTerminal())
	assert.Equal(t, entity.PhaseAwaitingNextUnitReady, got.Phase)
}
