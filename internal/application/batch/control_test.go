package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-pipeline/internal/domain/entity"
	apperrors "z-novel-pipeline/pkg/errors"
)

func TestControl_ResolveRequiresOpenDecision(t *testing.T) {
	ctl := NewControl()
	err := ctl.Resolve(DecisionRetry)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDecisionNotPending))

	d := NewInteractiveDecider(ctl)
	d.Open()
	assert.True(t, ctl.AwaitingDecision())
	require.NoError(t, ctl.Resolve(DecisionSkip))

	// 缓冲只容纳一个决策
	err = ctl.Resolve(DecisionStop)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDecisionNotPending))

	got, err := d.Decide(context.Background(), nil, entity.UnitFailure{})
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, got)
	assert.False(t, ctl.AwaitingDecision())
}

func TestControl_NoStaleDecisionAcrossFailures(t *testing.T) {
	ctl := NewControl()
	d := NewInteractiveDecider(ctl)

	// 第一次失败在超时后放弃等待
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err := d.Decide(ctx, nil, entity.UnitFailure{})
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// 决策点关闭后的投递被拒绝，不会留给下一次失败
	assert.True(t, apperrors.HasCode(ctl.Resolve(DecisionStop), apperrors.CodeDecisionNotPending))

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Decide(ctx, nil, entity.UnitFailure{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestControl_CloseDropsUnreadDecision(t *testing.T) {
	ctl := NewControl()
	ctl.openDecision()
	require.NoError(t, ctl.Resolve(DecisionRetry))
	ctl.closeDecision()

	d := NewInteractiveDecider(ctl)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Decide(ctx, nil, entity.UnitFailure{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
