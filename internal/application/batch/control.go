package batch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"z-novel-pipeline/internal/domain/entity"
	apperrors "z-novel-pipeline/pkg/errors"
)

// Decision 单元失败后的处理方式
type Decision string

const (
	// DecisionRetry 记录失败尝试，重试同一单元
	DecisionRetry Decision = "retry"
	// DecisionSkip 记录 skipped，继续下一单元
	DecisionSkip Decision = "skip"
	// DecisionStop 记录 failed，整个任务结束
	DecisionStop Decision = "stop"
)

// ParseDecision 解析决策字符串；continue 视为 skip
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "retry":
		return DecisionRetry, true
	case "skip", "continue":
		return DecisionSkip, true
	case "stop", "abort":
		return DecisionStop, true
	default:
		return "", false
	}
}

// Control 一个运行中任务的外部控制句柄：取消标志与决策投递
type Control struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}

	// mu 保护 waiting 与 decisions，Resolve 不会在决策点关闭后留下决策
	mu        sync.Mutex
	waiting   bool
	decisions chan Decision
}

// NewControl 创建控制句柄
func NewControl() *Control {
	return &Control{
		done:      make(chan struct{}),
		decisions: make(chan Decision, 1),
	}
}

// Cancel 置位取消标志；编排器在下一个轮询点观察到
func (c *Control) Cancel() {
	c.cancelled.Store(true)
	c.once.Do(func() { close(c.done) })
}

// Cancelled 取消标志
func (c *Control) Cancelled() bool {
	return c.cancelled.Load()
}

// Done 取消时关闭
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// AwaitingDecision 是否有失败在等待决策
func (c *Control) AwaitingDecision() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Resolve 投递对当前失败的决策
func (c *Control) Resolve(d Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.waiting {
		return apperrors.ErrDecisionNotPending
	}
	select {
	case c.decisions <- d:
		return nil
	default:
		return apperrors.ErrDecisionNotPending.WithDetail("decision already submitted")
	}
}

// openDecision 开始接受决策；重复调用无效
func (c *Control) openDecision() {
	c.mu.Lock()
	c.waiting = true
	c.mu.Unlock()
}

// closeDecision 停止接受决策并丢弃未被读取的决策
func (c *Control) closeDecision() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting = false
	select {
	case <-c.decisions:
	default:
	}
}

// Decider 决策点
type Decider interface {
	Decide(ctx context.Context, job *entity.BatchJob, failure entity.UnitFailure) (Decision, error)
}

// decisionOpener 需要在发出 decision_required 之前就能接受决策的决策器
type decisionOpener interface {
	Open()
}

// InteractiveDecider 挂起直到通过 Control.Resolve 收到用户决策
type InteractiveDecider struct {
	ctl *Control
}

// NewInteractiveDecider 创建交互式决策器
func NewInteractiveDecider(ctl *Control) *InteractiveDecider {
	return &InteractiveDecider{ctl: ctl}
}

// Open 开始接受决策，之后到达的 Resolve 由下一次 Decide 读取
func (d *InteractiveDecider) Open() {
	d.ctl.openDecision()
}

// Decide 实现 Decider
func (d *InteractiveDecider) Decide(ctx context.Context, _ *entity.BatchJob, _ entity.UnitFailure) (Decision, error) {
	d.ctl.openDecision()
	defer d.ctl.closeDecision()

	select {
	case dec := <-d.ctl.decisions:
		return dec, nil
	case <-d.ctl.done:
		return "", apperrors.ErrBatchCancelled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PolicyDecider 无人值守的固定策略
type PolicyDecider struct {
	Policy     Decision
	MaxRetries int
}

// NewPolicyDecider 按配置创建；retry 超过 maxRetries 次后停止
func NewPolicyDecider(policy string, maxRetries int) *PolicyDecider {
	d, ok := ParseDecision(policy)
	if !ok {
		d = DecisionStop
	}
	return &PolicyDecider{Policy: d, MaxRetries: maxRetries}
}

// Decide 实现 Decider
func (p *PolicyDecider) Decide(_ context.Context, _ *entity.BatchJob, f entity.UnitFailure) (Decision, error) {
	if p.Policy != DecisionRetry {
		return p.Policy, nil
	}
	if f.Attempt > p.MaxRetries {
		return DecisionStop, nil
	}
	return DecisionRetry, nil
}
