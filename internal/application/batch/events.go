package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"z-novel-pipeline/internal/domain/entity"
)

// EventType 编排事件类型
type EventType string

const (
	EventBatchStarted     EventType = "batch_started"
	EventUnitStarted      EventType = "unit_started"
	EventUnitProgress     EventType = "unit_progress"
	EventUnitTerminal     EventType = "unit_terminal"
	EventUnitFinalized    EventType = "unit_finalized"
	EventNextUnitReady    EventType = "next_unit_ready"
	EventUnitFailed       EventType = "unit_failed"
	EventDecisionRequired EventType = "decision_required"
	EventBatchFinished    EventType = "batch_finished"
)

// Event 编排器对外发出的类型化消息
type Event struct {
	ID        string               `json:"id"`
	Type      EventType            `json:"type"`
	BatchID   string               `json:"batch_id"`
	ProjectID string               `json:"project_id"`
	UnitIndex int                  `json:"unit_index"`
	Sequence  int                  `json:"sequence,omitempty"`
	Attempt   int                  `json:"attempt,omitempty"`
	Progress  int                  `json:"progress,omitempty"`
	UnitID    string               `json:"unit_id,omitempty"`
	Phase     entity.BatchPhase    `json:"phase"`
	Status    entity.BatchStatus   `json:"status,omitempty"`
	Stage     entity.FailureStage  `json:"stage,omitempty"`
	Kind      entity.FailureKind   `json:"kind,omitempty"`
	Error     string               `json:"error,omitempty"`
	Outcomes  []entity.UnitOutcome `json:"outcomes,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// newEvent 以任务当前状态为底创建事件
func newEvent(t EventType, job *entity.BatchJob) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		BatchID:   job.ID,
		ProjectID: job.ProjectID,
		UnitIndex: job.CurrentIndex,
		Sequence:  job.SequenceAt(job.CurrentIndex),
		Attempt:   job.Attempt,
		Phase:     job.Phase,
		Status:    job.Status,
		Timestamp: time.Now(),
	}
}

// IsFinal 是否为任务的最后一个事件
func (e Event) IsFinal() bool {
	return e.Type == EventBatchFinished
}

// MultiSink 依次投递到多个出口，汇总错误
type MultiSink []EventSink

// Publish 实现 EventSink
func (m MultiSink) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const subscriberBuffer = 64

// Bus 进程内事件总线，按任务 ID 扇出给订阅者。
// 订阅者处理过慢时丢弃进度事件，其余事件阻塞投递直到订阅取消。
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.closed) })
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe 订阅一个任务的事件；返回的函数用于取消订阅
func (b *Bus) Subscribe(batchID string) (<-chan Event, func()) {
	sub := &subscription{
		ch:     make(chan Event, subscriberBuffer),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[batchID] == nil {
		b.subs[batchID] = make(map[*subscription]struct{})
	}
	b.subs[batchID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[batchID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, batchID)
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish 实现 EventSink
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[evt.BatchID]))
	for sub := range b.subs[evt.BatchID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if evt.Type == EventUnitProgress {
			select {
			case sub.ch <- evt:
			default:
			}
			continue
		}
		select {
		case sub.ch <- evt:
		case <-sub.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers 当前订阅者数量
func (b *Bus) Subscribers(batchID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[batchID])
}
