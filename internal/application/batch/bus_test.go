package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-pipeline/internal/domain/entity"
)

func TestBus_FanOutPerBatch(t *testing.T) {
	bus := NewBus()
	a1, cancelA1 := bus.Subscribe("a")
	a2, cancelA2 := bus.Subscribe("a")
	b, cancelB := bus.Subscribe("b")
	defer cancelA1()
	defer cancelA2()
	defer cancelB()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventUnitStarted, BatchID: "a"}))

	assert.Equal(t, EventUnitStarted, (<-a1).Type)
	assert.Equal(t, EventUnitStarted, (<-a2).Type)
	select {
	case <-b:
		t.Fatal("event leaked to another batch")
	default:
	}
	assert.Equal(t, 2, bus.Subscribers("a"))
}

func TestBus_ProgressDroppedForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("a")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: EventUnitProgress, BatchID: "a"}))
	}
}

func TestBus_UnsubscribeUnblocksPublisher(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("a")
	for i := 0; i < subscriberBuffer; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: EventUnitStarted, BatchID: "a"}))
	}

	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(context.Background(), Event{Type: EventUnitFailed, BatchID: "a"})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, bus.Subscribers("a"))
}

type errSink struct{}

func (errSink) Publish(context.Context, Event) error { return errors.New("down") }

func TestMultiSink_JoinsErrors(t *testing.T) {
	rec := &recordingSink{}
	err := MultiSink{errSink{}, nil, rec}.Publish(context.Background(), Event{Type: EventBatchStarted})

	assert.EqualError(t, err, "down")
	assert.Equal(t, []EventType{EventBatchStarted}, rec.Types())
}

func TestPolicyDecider(t *testing.T) {
	f := entity.UnitFailure{Attempt: 1}

	d, err := NewPolicyDecider("skip", 0).Decide(context.Background(), nil, f)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, d)

	retry := NewPolicyDecider("retry", 2)
	for attempt, want := range map[int]Decision{1: DecisionRetry, 2: DecisionRetry, 3: DecisionStop} {
		d, _ := retry.Decide(context.Background(), nil, entity.UnitFailure{Attempt: attempt})
		assert.Equal(t, want, d, "attempt %d", attempt)
	}

	d, _ = NewPolicyDecider("bogus", 0).Decide(context.Background(), nil, f)
	assert.Equal(t, DecisionStop, d)
}

func TestParseDecision(t *testing.T) {
	d, ok := ParseDecision(" Continue ")
	assert.True(t, ok)
	assert.Equal(t, DecisionSkip, d)

	_, ok = ParseDecision("later")
	assert.False(t, ok)
}

func TestPoll_TimeoutIsDistinctFromCancel(t *testing.T) {
	never := func(context.Context) (bool, error) { return false, nil }

	err := poll(context.Background(), NewControl(), time.Millisecond, 5*time.Millisecond, "nothing", never)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out waiting for nothing")

	ctl := NewControl()
	ctl.Cancel()
	err = poll(context.Background(), ctl, time.Millisecond, time.Second, "nothing", never)
	assert.ErrorContains(t, err, "cancelled")
}
