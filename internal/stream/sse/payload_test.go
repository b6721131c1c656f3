package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier([]string{"正在生成", "正在保存", "Generating"})

	tests := []struct {
		name        string
		frame       Frame
		wantKind    PayloadKind
		wantContent string
		wantMessage string
	}{
		{
			name:        "content object",
			frame:       Frame{Event: "message", Data: `{"content":"他说。"}`, HasData: true},
			wantKind:    PayloadContent,
			wantContent: "他说。",
		},
		{
			name:        "openai style delta",
			frame:       Frame{Event: "message", Data: `{"delta":{"content":"片段"}}`, HasData: true},
			wantKind:    PayloadContent,
			wantContent: "片段",
		},
		{
			name:     "delta without content",
			frame:    Frame{Event: "message", Data: `{"delta":{"role":"assistant"}}`, HasData: true},
			wantKind: PayloadEmpty,
		},
		{
			name:        "generated content",
			frame:       Frame{Event: "message", Data: `{"generatedContent":"正文"}`, HasData: true},
			wantKind:    PayloadContent,
			wantContent: "正文",
		},
		{
			name:        "indexed chunk shape",
			frame:       Frame{Event: "content", Data: `{"chunk":"abc","index":3}`, HasData: true},
			wantKind:    PayloadContent,
			wantContent: "abc",
		},
		{
			name:        "progress step",
			frame:       Frame{Event: "message", Data: `{"message":"分析大纲","step":2}`, HasData: true},
			wantKind:    PayloadProgress,
			wantMessage: "分析大纲",
		},
		{
			name:        "message on denylist",
			frame:       Frame{Event: "message", Data: `{"message":"正在保存章节"}`, HasData: true},
			wantKind:    PayloadProgress,
			wantMessage: "正在保存章节",
		},
		{
			name:        "raw text",
			frame:       Frame{Event: "message", Data: "第一章 风起", HasData: true},
			wantKind:    PayloadContent,
			wantContent: "第一章 风起",
		},
		{
			name:        "raw status phrase",
			frame:       Frame{Event: "message", Data: "Generating chapter 3...", HasData: true},
			wantKind:    PayloadProgress,
			wantMessage: "Generating chapter 3...",
		},
		{
			name:        "malformed json falls back to raw",
			frame:       Frame{Event: "message", Data: `{"content": "broken`, HasData: true},
			wantKind:    PayloadContent,
			wantContent: `{"content": "broken`,
		},
		{
			name:        "json string primitive",
			frame:       Frame{Event: "message", Data: `"引号内文本"`, HasData: true},
			wantKind:    PayloadContent,
			wantContent: "引号内文本",
		},
		{
			name:     "control frame",
			frame:    Frame{Event: "ping"},
			wantKind: PayloadEmpty,
		},
		{
			name:     "unknown object",
			frame:    Frame{Event: "metadata", Data: `{"job_id":"x"}`, HasData: true},
			wantKind: PayloadUnknown,
		},
		{
			name:        "error event with message",
			frame:       Frame{Event: "error", Data: `{"message":"quota exceeded"}`, HasData: true},
			wantKind:    PayloadError,
			wantMessage: "quota exceeded",
		},
		{
			name:        "error event without data",
			frame:       Frame{Event: "error"},
			wantKind:    PayloadError,
			wantMessage: "stream reported an error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.frame)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantContent, got.Content)
			assert.Equal(t, tt.wantMessage, got.Message)
		})
	}
}

func TestClassifier_MemoryBankPassedThroughOpaquely(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify(Frame{
		Event:   "message",
		Data:    `{"updatedMemoryBank":{"characters":["林七"]},"generatedContent":"正文"}`,
		HasData: true,
	})

	assert.Equal(t, PayloadContent, got.Kind)
	assert.Equal(t, "正文", got.Content)
	assert.JSONEq(t, `{"characters":["林七"]}`, string(got.MemoryBank))
}

func TestClassifier_EmptyDenylistNeverMatches(t *testing.T) {
	c := NewClassifier([]string{"", "  "})
	assert.False(t, c.IsStatusPhrase("正在生成"))
}
