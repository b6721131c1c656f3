package sse

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	ginsse "github.com/gin-contrib/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "z-novel-pipeline/pkg/errors"
)

func decodeAll(chunks []string) []Frame {
	dec := NewDecoder()
	var out []Frame
	for _, c := range chunks {
		out = append(out, dec.Feed(c)...)
	}
	return append(out, dec.Flush()...)
}

func encodeFixture(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	events := []ginsse.Event{
		{Event: "metadata", Data: map[string]any{"step": "outline", "message": "正在构思"}},
		{Event: "content", Data: map[string]any{"chunk": "“这是一句话。”他说。", "index": 0}},
		{Event: "content", Data: map[string]any{"chunk": "第二段\n带换行", "index": 1}},
		{Data: "plain text line one\nline two"},
		{Event: "done", Data: map[string]any{"job_id": "j-1"}},
	}
	for _, e := range events {
		require.NoError(t, ginsse.Encode(&buf, e))
	}
	return buf.String()
}

func TestDecoder_BasicFrames(t *testing.T) {
	input := "event: content\ndata: {\"content\":\"你好\"}\n\n" +
		"data: first\ndata: second\n\n" +
		": keep-alive comment\n\n" +
		"event: ping\n\n" +
		"data: [DONE]\n\n"

	frames := decodeAll([]string{input})
	require.Len(t, frames, 4)

	assert.Equal(t, "content", frames[0].Event)
	assert.Equal(t, `{"content":"你好"}`, frames[0].Data)

	assert.Equal(t, DefaultEvent, frames[1].Event)
	assert.Equal(t, "first\nsecond", frames[1].Data)

	assert.Equal(t, "ping", frames[2].Event)
	assert.False(t, frames[2].HasData)

	assert.True(t, frames[3].IsDoneSentinel())
}

func TestDecoder_StripsOnlyOneLeadingSpace(t *testing.T) {
	frames := decodeAll([]string{"data:  two spaces\n\ndata:none\n\n"})
	require.Len(t, frames, 2)
	assert.Equal(t, " two spaces", frames[0].Data)
	assert.Equal(t, "none", frames[1].Data)
}

func TestDecoder_KeepsPartialFrameAcrossReads(t *testing.T) {
	dec := NewDecoder()

	assert.Empty(t, dec.Feed("event: content\nda"))
	assert.Empty(t, dec.Feed("ta: abc\n"))
	assert.Equal(t, "event: content\ndata: abc\n", dec.Buffered())

	frames := dec.Feed("\nevent: done\n\n")
	require.Len(t, frames, 2)
	assert.Equal(t, "abc", frames[0].Data)
	assert.Equal(t, "done", frames[1].Event)
	assert.Empty(t, dec.Buffered())
}

func TestDecoder_CRLFSplitAcrossReads(t *testing.T) {
	frames := decodeAll([]string{"data: x\r", "\n\r", "\ndata: y\r\n\r\n"})
	require.Len(t, frames, 2)
	assert.Equal(t, "x", frames[0].Data)
	assert.Equal(t, "y", frames[1].Data)
}

func TestDecoder_FlushDecodesTrailingFrame(t *testing.T) {
	dec := NewDecoder()
	assert.Empty(t, dec.Feed("event: content\ndata: tail"))

	frames := dec.Flush()
	require.Len(t, frames, 1)
	assert.Equal(t, "tail", frames[0].Data)
	assert.Empty(t, dec.Flush())
}

func TestDecoder_ReassemblyAtEverySplitPoint(t *testing.T) {
	input := encodeFixture(t)
	want := decodeAll([]string{input})
	require.Len(t, want, 5)

	for i := 0; i <= len(input); i++ {
		got := decodeAll([]string{input[:i], input[i:]})
		require.Equal(t, want, got, "split at byte %d", i)
	}
}

func TestDecoder_ReassemblyRandomChunking(t *testing.T) {
	input := encodeFixture(t) + "event: end\r\ndata: a\r\ndata: b\r\n\r\n"
	want := decodeAll([]string{input})

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var chunks []string
		rest := input
		for len(rest) > 0 {
			n := 1 + rng.Intn(7)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, want, decodeAll(chunks), "round %d", round)
	}
}

func TestDecoder_GinEncodedMultilineData(t *testing.T) {
	frames := decodeAll([]string{encodeFixture(t)})
	require.Len(t, frames, 5)
	assert.Equal(t, "plain text line one\nline two", frames[3].Data)
	assert.Equal(t, DefaultEvent, frames[3].Event)
	assert.Equal(t, "done", frames[4].Event)
}

type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestDecode_FromReader(t *testing.T) {
	input := encodeFixture(t)
	var got []Frame
	err := Decode(strings.NewReader(input), 3, func(f Frame) bool {
		got = append(got, f)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, decodeAll([]string{input}), got)
}

func TestDecode_StopsWhenHandlerReturnsFalse(t *testing.T) {
	calls := 0
	err := Decode(strings.NewReader("data: 1\n\ndata: 2\n\ndata: 3\n\n"), 0, func(Frame) bool {
		calls++
		return calls < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDecode_TransportErrorSurfacesOnce(t *testing.T) {
	boom := errors.New("connection reset")
	r := &chunkReader{chunks: []string{"data: ok\n\n", "data: partial"}, err: boom}

	var got []Frame
	err := Decode(r, 8, func(f Frame) bool {
		got = append(got, f)
		return true
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.ErrorIs(t, err, boom)
	// 不完整的尾帧不会在错误时被吐出
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Data)
}
