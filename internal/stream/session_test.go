package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	ginsse "github.com/gin-contrib/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-pipeline/internal/stream/sse"
	"z-novel-pipeline/internal/stream/title"
	apperrors "z-novel-pipeline/pkg/errors"
)

const ind = "　　"

func encode(t *testing.T, events ...ginsse.Event) string {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range events {
		require.NoError(t, ginsse.Encode(&buf, e))
	}
	return buf.String()
}

func chunk(s string) ginsse.Event {
	return ginsse.Event{Event: "content", Data: map[string]any{"chunk": s}}
}

func TestSession_FeedCharacterByCharacter(t *testing.T) {
	raw := encode(t,
		ginsse.Event{Event: "metadata", Data: map[string]any{"message": "正在生成", "step": "draft"}},
		chunk("$风起"),
		chunk("$“这是一句话。”"),
		chunk("他说。"),
		ginsse.Event{Event: "done", Data: map[string]any{"job_id": "j-1"}},
		chunk("终止后的内容"),
	)

	s := NewSession(Options{})
	for _, r := range raw {
		s.Feed(string(r))
	}

	require.True(t, s.Terminal())
	assert.NoError(t, s.Err())

	got, ok := s.Title()
	assert.True(t, ok)
	assert.Equal(t, "风起", got)
	assert.Equal(t, "“这是一句话。”他说。", s.Body())
	assert.Equal(t, ind+"“这是一句话。”\n\n"+ind+"他说。", s.Formatted())

	snap := s.Snapshot()
	assert.Equal(t, "正在生成", snap.Progress)
	assert.True(t, snap.Terminal)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSession_DoneSentinel(t *testing.T) {
	s := NewSession(Options{})
	s.Feed("data: {\"content\":\"甲。\"}\n\ndata: [DONE]\n\ndata: {\"content\":\"乙。\"}\n\n")

	assert.True(t, s.Terminal())
	assert.Equal(t, "甲。", s.Body())
}

func TestSession_ErrorEventIsTerminal(t *testing.T) {
	s := NewSession(Options{})
	s.Feed(encode(t,
		chunk("开头"),
		ginsse.Event{Event: "error", Data: map[string]any{"message": "quota exceeded"}},
		chunk("不会出现"),
	))

	require.True(t, s.Terminal())
	err := s.Err()
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeStreamStatus))
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, "开头", s.Body())
}

func TestSession_ConsumeEOFWithoutTerminalFrame(t *testing.T) {
	// 最后一帧没有以空行结束
	raw := encode(t, chunk("第一句。")) + "data: {\"content\":\"第二句。\"}\n"

	s := NewSession(Options{ReadBufferSize: 3})
	err := s.Consume(context.Background(), strings.NewReader(raw))

	require.NoError(t, err)
	assert.True(t, s.Terminal())
	assert.Equal(t, "第一句。第二句。", s.Body())
}

type failingReader struct {
	data []byte
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset by peer")
}

func TestSession_ConsumeTransportError(t *testing.T) {
	s := NewSession(Options{})
	err := s.Consume(context.Background(), &failingReader{data: []byte("data: 半句\n\n")})

	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeStreamTransport))
	assert.True(t, s.Terminal())
	assert.Equal(t, "半句", s.Body())
}

func TestSession_ConsumeStopsAtTerminal(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewSession(Options{TerminalEvents: []string{"finished"}})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Consume(context.Background(), pr) }()

	_, err := pw.Write([]byte(encode(t, chunk("完成。"), ginsse.Event{Event: "finished", Data: "ok"})))
	require.NoError(t, err)

	require.NoError(t, <-errCh)
	assert.True(t, s.Terminal())
	_ = pw.Close()
}

func TestSession_ConsumeCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Consume(ctx, pr) }()
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.True(t, s.Terminal())
}

func TestSession_UnterminatedTitlePolicy(t *testing.T) {
	raw := encode(t, chunk("正文$半截"))

	discard := NewSession(Options{TitlePolicy: title.PolicyDiscard})
	discard.Feed(raw)
	discard.Finish(nil)
	assert.Equal(t, "正文", discard.Body())

	flush := NewSession(Options{TitlePolicy: title.PolicyFlush})
	flush.Feed(raw)
	flush.Finish(nil)
	assert.Equal(t, "正文$半截", flush.Body())
}

func TestSession_MemoryBankAndDenylist(t *testing.T) {
	s := NewSession(Options{Classifier: sse.NewClassifier([]string{"正在保存"})})
	s.Feed("data: {\"generatedContent\":\"正文。\",\"updatedMemoryBank\":{\"k\":1}}\n\n")
	s.Feed("data: 正在保存章节...\n\n")
	s.Finish(nil)

	assert.Equal(t, "正文。", s.Body())
	assert.JSONEq(t, `{"k":1}`, string(s.MemoryBank()))
	assert.Equal(t, "正在保存章节...", s.Snapshot().Progress)
}

func TestSession_FinishIsIdempotent(t *testing.T) {
	s := NewSession(Options{})
	s.Finish(nil)
	s.Finish(errors.New("late"))

	assert.NoError(t, s.Err())
	s.SetUnitID("ch-1")
	assert.Equal(t, "ch-1", s.UnitID())
}
