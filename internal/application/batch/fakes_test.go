package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"z-novel-pipeline/internal/domain/entity"
	"z-novel-pipeline/internal/domain/repository"
)

type fakeSession struct {
	mu        sync.Mutex
	terminal  bool
	err       error
	unitID    string
	cancelled bool
}

func (s *fakeSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *fakeSession) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *fakeSession) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) UnitID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitID
}

// fakeGenerator 生成立即结束的会话；按序号配置失败
type fakeGenerator struct {
	mu     sync.Mutex
	calls  []int
	priors []json.RawMessage

	// rejectTimes 序号 → 前 n 次调用直接拒绝（-1 表示一直拒绝）
	rejectTimes map[int]int
	// streamErr 序号 → 流以错误结束
	streamErr map[int]error
	// noPersist 序号 → 流结束但不产生章节 ID
	noPersist map[int]bool
}

func (g *fakeGenerator) StartUnit(_ context.Context, req UnitRequest) (UnitSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq := req.Plan.Sequence
	g.calls = append(g.calls, seq)
	g.priors = append(g.priors, req.PriorContext)

	if n, ok := g.rejectTimes[seq]; ok && n != 0 {
		if n > 0 {
			g.rejectTimes[seq] = n - 1
		}
		return nil, fmt.Errorf("generation rejected for unit %d", seq)
	}

	sess := &fakeSession{terminal: true}
	switch {
	case g.streamErr[seq] != nil:
		sess.err = g.streamErr[seq]
	case g.noPersist[seq]:
	default:
		sess.unitID = fmt.Sprintf("unit-%d", seq)
	}
	return sess, nil
}

func (g *fakeGenerator) Calls() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.calls...)
}

type fakeCursor struct {
	v atomic.Int64
}

func (c *fakeCursor) Current(context.Context, string) (int, error) {
	return int(c.v.Load()), nil
}

// fakeFinalizer 定稿后把游标推进到下一章（manual 时不推进）
type fakeFinalizer struct {
	mu     sync.Mutex
	cursor *fakeCursor
	manual bool
	calls  []string
	fail   map[string]int
}

func (f *fakeFinalizer) Finalize(_ context.Context, req FinalizeRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.UnitID)

	if n := f.fail[req.UnitID]; n != 0 {
		if n > 0 {
			f.fail[req.UnitID] = n - 1
		}
		return nil, fmt.Errorf("finalize rejected for %s", req.UnitID)
	}
	if !f.manual {
		f.cursor.v.Store(int64(req.Sequence + 1))
	}
	return json.RawMessage(fmt.Sprintf(`{"summary_of":%d}`, req.Sequence)), nil
}

func (f *fakeFinalizer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeRepo 记录每次保存的阶段
type fakeRepo struct {
	mu     sync.Mutex
	jobs   map[string]*entity.BatchJob
	phases []entity.BatchPhase

	// saveDelay 模拟一次数据库往返
	saveDelay time.Duration
	saveErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]*entity.BatchJob)}
}

func (r *fakeRepo) Save(_ context.Context, job *entity.BatchJob) error {
	if r.saveDelay > 0 {
		time.Sleep(r.saveDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.jobs[job.ID] = job.Clone()
	r.phases = append(r.phases, job.Phase)
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*entity.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].Clone(), nil
}

func (r *fakeRepo) ListActive(context.Context) ([]*entity.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.BatchJob
	for _, j := range r.jobs {
		if !j.IsTerminal() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByProject(_ context.Context, projectID string, p repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.BatchJob
	for _, j := range r.jobs {
		if j.ProjectID == projectID {
			out = append(out, j.Clone())
		}
	}
	return repository.NewPagedResult(out, int64(len(out)), p), nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

func (r *fakeRepo) Phases() []entity.BatchPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.BatchPhase(nil), r.phases...)
}

// sinkFunc 测试用事件出口
type sinkFunc func(Event)

func (f sinkFunc) Publish(_ context.Context, evt Event) error {
	f(evt)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) Types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		if e.Type != EventUnitProgress {
			out = append(out, e.Type)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		PollInterval:      time.Millisecond,
		GraceInterval:     2 * time.Millisecond,
		CompletionTimeout: time.Second,
		FinalizeTimeout:   time.Second,
		ReadyTimeout:      time.Second,
	}
}

func statuses(job *entity.BatchJob) []entity.UnitStatus {
	out := make([]entity.UnitStatus, 0, len(job.Outcomes))
	for _, o := range job.Outcomes {
		out = append(out, o.Status)
	}
	return out
}
