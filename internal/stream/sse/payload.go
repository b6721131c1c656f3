package sse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// PayloadKind 帧载荷分类
type PayloadKind string

const (
	PayloadContent  PayloadKind = "content"
	PayloadProgress PayloadKind = "progress"
	PayloadError    PayloadKind = "error"
	PayloadEmpty    PayloadKind = "empty"
	PayloadUnknown  PayloadKind = "unknown"
)

// ErrorEvent 服务端通过该事件名报告流内错误
const ErrorEvent = "error"

// Payload 识别后的帧载荷
type Payload struct {
	Kind    PayloadKind
	Content string
	// Message 进度文案或错误信息
	Message string
	Step    string
	// MemoryBank updatedMemoryBank 原样透传，不解析
	MemoryBank json.RawMessage
}

// Classifier 识别 JSON 载荷形状，非 JSON 时按原文处理并用状态短语黑名单过滤进度文案
type Classifier struct {
	denylist *regexp.Regexp
}

// NewClassifier 创建载荷识别器；phrases 为已知的进度状态短语
func NewClassifier(phrases []string) *Classifier {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}

	c := &Classifier{}
	if len(quoted) > 0 {
		c.denylist = regexp.MustCompile(strings.Join(quoted, "|"))
	}
	return c
}

// IsStatusPhrase 文本是否命中进度短语黑名单
func (c *Classifier) IsStatusPhrase(s string) bool {
	if c == nil || c.denylist == nil {
		return false
	}
	return c.denylist.MatchString(s)
}

// Classify 识别一个帧的载荷
func (c *Classifier) Classify(f Frame) Payload {
	if f.Event == ErrorEvent {
		return c.classifyError(f.Data)
	}
	if !f.HasData || f.Data == "" {
		return Payload{Kind: PayloadEmpty}
	}

	if !gjson.Valid(f.Data) {
		return c.classifyRaw(f.Data)
	}

	res := gjson.Parse(f.Data)
	switch {
	case res.IsObject():
		return c.classifyObject(res)
	case res.Type == gjson.String:
		return c.classifyRaw(res.String())
	default:
		return c.classifyRaw(f.Data)
	}
}

func (c *Classifier) classifyObject(res gjson.Result) Payload {
	if v := res.Get("content"); v.Type == gjson.String {
		return Payload{Kind: PayloadContent, Content: v.String()}
	}
	if v := res.Get("delta.content"); v.Type == gjson.String {
		return Payload{Kind: PayloadContent, Content: v.String()}
	}
	if v := res.Get("generatedContent"); v.Exists() {
		p := Payload{Kind: PayloadContent, Content: v.String()}
		if mb := res.Get("updatedMemoryBank"); mb.Exists() {
			p.MemoryBank = json.RawMessage(mb.Raw)
		}
		return p
	}
	if v := res.Get("chunk"); v.Type == gjson.String {
		return Payload{Kind: PayloadContent, Content: v.String()}
	}

	msg := res.Get("message")
	if step := res.Get("step"); step.Exists() {
		return Payload{Kind: PayloadProgress, Message: msg.String(), Step: step.String()}
	}
	if msg.Type == gjson.String {
		if c.IsStatusPhrase(msg.String()) {
			return Payload{Kind: PayloadProgress, Message: msg.String()}
		}
		return Payload{Kind: PayloadContent, Content: msg.String()}
	}
	if res.Get("delta").Exists() {
		// role-only / tool delta
		return Payload{Kind: PayloadEmpty}
	}
	return Payload{Kind: PayloadUnknown}
}

func (c *Classifier) classifyRaw(s string) Payload {
	if s == "" {
		return Payload{Kind: PayloadEmpty}
	}
	if c.IsStatusPhrase(s) {
		return Payload{Kind: PayloadProgress, Message: strings.TrimSpace(s)}
	}
	return Payload{Kind: PayloadContent, Content: s}
}

func (c *Classifier) classifyError(data string) Payload {
	msg := strings.TrimSpace(data)
	if gjson.Valid(data) {
		res := gjson.Parse(data)
		for _, path := range []string{"message", "error.message", "error"} {
			if v := res.Get(path); v.Type == gjson.String && v.String() != "" {
				msg = v.String()
				break
			}
		}
	}
	if msg == "" {
		msg = "stream reported an error"
	}
	return Payload{Kind: PayloadError, Message: msg}
}
