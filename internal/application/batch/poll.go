package batch

import (
	"context"
	"fmt"
	"time"

	apperrors "z-novel-pipeline/pkg/errors"
)

// condition 轮询条件；返回 error 时立即结束轮询
type condition func(ctx context.Context) (bool, error)

// poll 按固定间隔检查 cond，直到满足、出错、取消或超时。
// 每个 tick 都先检查取消标志；超时返回 CodeUnitTimeout，与调用被拒绝区分开。
func poll(ctx context.Context, ctl *Control, interval, timeout time.Duration, what string, cond condition) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if ctl.Cancelled() {
			return apperrors.ErrBatchCancelled
		}
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return apperrors.New(apperrors.CodeUnitTimeout, fmt.Sprintf("timed out waiting for %s", what)).
				WithDetail(fmt.Sprintf("waited %s", timeout))
		case <-ticker.C:
		}
	}
}

// sleep 等待 d，期间按 interval 检查取消标志
func sleep(ctx context.Context, ctl *Control, interval, d time.Duration) error {
	if d <= 0 {
		if ctl.Cancelled() {
			return apperrors.ErrBatchCancelled
		}
		return nil
	}
	end := time.Now().Add(d)
	return poll(ctx, ctl, interval, 0, "grace interval", func(context.Context) (bool, error) {
		return !time.Now().Before(end), nil
	})
}
