// Package stream 组合帧解码、标题过滤与正文排版，维护一次流式生成调用的状态
package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"z-novel-pipeline/internal/stream/sse"
	"z-novel-pipeline/internal/stream/textfmt"
	"z-novel-pipeline/internal/stream/title"
	apperrors "z-novel-pipeline/pkg/errors"
	"z-novel-pipeline/pkg/metrics"
)

// DefaultTerminalEvents 默认终止事件名
var DefaultTerminalEvents = []string{"done", "complete", "end"}

// Options 会话配置
type Options struct {
	TerminalEvents []string
	Classifier     *sse.Classifier
	Normalizer     *textfmt.Normalizer
	TitleDelimiter rune
	TitlePolicy    title.Policy
	ReadBufferSize int
}

// Snapshot 会话当前状态的只读拷贝
type Snapshot struct {
	Title      string          `json:"title,omitempty"`
	HasTitle   bool            `json:"has_title"`
	Body       string          `json:"body"`
	Formatted  string          `json:"formatted"`
	Progress   string          `json:"progress,omitempty"`
	MemoryBank json.RawMessage `json:"memory_bank,omitempty"`
	Frames     int             `json:"frames"`
	Terminal   bool            `json:"terminal"`
	UnitID     string          `json:"unit_id,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Session 一次流式生成调用。
// 数据按到达顺序依次经过解码、载荷识别、标题过滤，正文累计后整体重排。
// terminal 只会被置位一次，之后到达的数据全部忽略。
type Session struct {
	mu sync.Mutex

	dec        *sse.Decoder
	classifier *sse.Classifier
	normalizer *textfmt.Normalizer
	title      *title.Filter
	terminals  map[string]struct{}
	bufSize    int

	body       strings.Builder
	formatted  string
	progress   string
	memoryBank json.RawMessage
	frames     int

	terminal bool
	err      error
	unitID   string

	startedAt time.Time
	done      chan struct{}
}

// NewSession 创建会话
func NewSession(opts Options) *Session {
	events := opts.TerminalEvents
	if len(events) == 0 {
		events = DefaultTerminalEvents
	}
	terminals := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			terminals[e] = struct{}{}
		}
	}

	cls := opts.Classifier
	if cls == nil {
		cls = sse.NewClassifier(nil)
	}
	norm := opts.Normalizer
	if norm == nil {
		norm = textfmt.New(textfmt.DefaultOptions())
	}

	return &Session{
		dec:        sse.NewDecoder(),
		classifier: cls,
		normalizer: norm,
		title:      title.NewFilter(opts.TitleDelimiter, opts.TitlePolicy),
		terminals:  terminals,
		bufSize:    opts.ReadBufferSize,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Feed 追加一段原始流数据
func (s *Session) Feed(chunk string) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	frames := s.dec.Feed(chunk)
	s.mu.Unlock()

	for _, f := range frames {
		if !s.HandleFrame(f) {
			return
		}
	}
}

// Consume 读取整个响应体直到终止帧、EOF、读失败或 ctx 取消。
// EOF 时未见终止帧也视为正常结束。
func (s *Session) Consume(ctx context.Context, r io.Reader) error {
	stop := context.AfterFunc(ctx, func() {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	})
	defer stop()

	err := sse.Decode(r, s.bufSize, s.HandleFrame)
	if ctxErr := ctx.Err(); ctxErr != nil && !s.Terminal() {
		err = apperrors.Wrap(ctxErr, apperrors.CodeStreamTransport, "stream aborted")
	}
	s.Finish(err)
	return s.Err()
}

// HandleFrame 处理一个已解码的帧；返回 false 表示会话已终止
func (s *Session) HandleFrame(f sse.Frame) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.frames++
	metrics.StreamFramesTotal.WithLabelValues(f.Event).Inc()

	if f.IsDoneSentinel() {
		s.mu.Unlock()
		s.Finish(nil)
		return false
	}

	p := s.classifier.Classify(f)
	metrics.StreamPayloadsTotal.WithLabelValues(string(p.Kind)).Inc()
	if len(p.MemoryBank) > 0 {
		s.memoryBank = p.MemoryBank
	}

	if _, ok := s.terminals[f.Event]; ok {
		s.mu.Unlock()
		s.Finish(nil)
		return false
	}

	switch p.Kind {
	case sse.PayloadError:
		s.mu.Unlock()
		metrics.StreamErrorsTotal.WithLabelValues("event").Inc()
		s.Finish(apperrors.New(apperrors.CodeStreamStatus, p.Message))
		return false
	case sse.PayloadContent:
		s.appendLocked(s.title.Write(p.Content))
	case sse.PayloadProgress:
		s.progress = p.Message
	}
	s.mu.Unlock()
	return true
}

// appendLocked 追加正文并重算排版结果；调用方持有锁
func (s *Session) appendLocked(text string) {
	if text == "" {
		return
	}
	s.body.WriteString(text)
	s.formatted = s.normalizer.Format(s.body.String())
}

// Finish 将会话置为终止；重复调用无效。
// 标题未闭合时按配置的策略处理缓冲。
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}

	for _, f := range s.dec.Flush() {
		if _, ok := s.terminals[f.Event]; ok || f.IsDoneSentinel() {
			break
		}
		if p := s.classifier.Classify(f); p.Kind == sse.PayloadContent {
			s.appendLocked(s.title.Write(p.Content))
		}
	}
	s.appendLocked(s.title.Finish())

	s.terminal = true
	s.err = err
	if err != nil && apperrors.IsTransport(err) && !apperrors.HasCode(err, apperrors.CodeStreamStatus) {
		metrics.StreamErrorsTotal.WithLabelValues("transport").Inc()
	}
	metrics.StreamSessionDuration.Observe(time.Since(s.startedAt).Seconds())
	close(s.done)
}

// Terminal 是否已观察到终止
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Done 会话终止时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 终止原因；正常结束为 nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetUnitID 记录自动保存后得到的章节持久化 ID
func (s *Session) SetUnitID(id string) {
	s.mu.Lock()
	s.unitID = id
	s.mu.Unlock()
}

// UnitID 章节持久化 ID；自动保存完成前为空
func (s *Session) UnitID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitID
}

// Title 已提取的标题
func (s *Session) Title() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title.Title()
}

// Body 未排版的累计正文
func (s *Session) Body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.String()
}

// Formatted 排版后的正文
func (s *Session) Formatted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formatted
}

// MemoryBank 最近一次收到的 updatedMemoryBank
func (s *Session) MemoryBank() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryBank
}

// Snapshot 返回当前状态拷贝
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.title.Title()
	snap := Snapshot{
		Title:      t,
		HasTitle:   ok,
		Body:       s.body.String(),
		Formatted:  s.formatted,
		Progress:   s.progress,
		MemoryBank: s.memoryBank,
		Frames:     s.frames,
		Terminal:   s.terminal,
		UnitID:     s.unitID,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
