// Package title 从正文流中剥离两个分隔符之间的标题
package title

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// State 标题自动机状态
type State int

const (
	BeforeTitle State = iota
	InTitle
	AfterTitle
)

func (s State) String() string {
	switch s {
	case BeforeTitle:
		return "before_title"
	case InTitle:
		return "in_title"
	case AfterTitle:
		return "after_title"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy 流在标题未闭合时结束的处理方式
type Policy string

const (
	// PolicyDiscard 丢弃已缓冲的标题字符（与既有行为一致）
	PolicyDiscard Policy = "discard"
	// PolicyFlush 将分隔符与缓冲内容按原样回写到正文
	PolicyFlush Policy = "flush"
)

// ParsePolicy 解析配置值，未知值回落为 discard
func ParsePolicy(s string) Policy {
	if Policy(strings.ToLower(strings.TrimSpace(s))) == PolicyFlush {
		return PolicyFlush
	}
	return PolicyDiscard
}

// DefaultDelimiter 默认标题分隔符
const DefaultDelimiter = '$'

// Filter 逐字符处理的三态过滤器，输入可以任意分块
type Filter struct {
	delim    rune
	policy   Policy
	state    State
	buf      strings.Builder
	title    string
	hasTitle bool
}

// NewFilter 创建过滤器
func NewFilter(delim rune, policy Policy) *Filter {
	if delim == 0 || delim == utf8.RuneError {
		delim = DefaultDelimiter
	}
	if policy == "" {
		policy = PolicyDiscard
	}
	return &Filter{delim: delim, policy: policy}
}

// ParseDelimiter 取配置字符串的第一个字符作为分隔符
func ParseDelimiter(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return DefaultDelimiter
	}
	return r
}

// Write 处理一段输入，返回应进入正文的字符
func (f *Filter) Write(chunk string) string {
	if f.state == AfterTitle {
		return chunk
	}

	var body strings.Builder
	for _, r := range chunk {
		switch f.state {
		case BeforeTitle:
			if r == f.delim {
				f.state = InTitle
				continue
			}
			body.WriteRune(r)
		case InTitle:
			if r == f.delim {
				f.state = AfterTitle
				f.title = f.buf.String()
				f.hasTitle = true
				f.buf.Reset()
				continue
			}
			f.buf.WriteRune(r)
		default:
			body.WriteRune(r)
		}
	}
	return body.String()
}

// Finish 流结束时调用，返回按策略需要补回正文的字符
func (f *Filter) Finish() string {
	if f.state != InTitle {
		return ""
	}
	pending := f.buf.String()
	f.buf.Reset()
	f.state = AfterTitle
	if f.policy == PolicyFlush {
		return string(f.delim) + pending
	}
	return ""
}

// Title 已捕获的标题；第二个分隔符出现前返回 false
func (f *Filter) Title() (string, bool) {
	return f.title, f.hasTitle
}

// State 当前自动机状态
func (f *Filter) State() State {
	return f.state
}

// Buffered 标题缓冲中尚未闭合的字符
func (f *Filter) Buffered() string {
	return f.buf.String()
}
