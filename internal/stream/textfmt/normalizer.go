// Package textfmt 将流式生成的正文排成带缩进的段落，引号内的对白不断行
package textfmt

import (
	"regexp"
	"strings"
	"unicode"
)

var excessBreaks = regexp.MustCompile(`\n{3,}`)

// Options 排版字符集；均为数据而非逻辑
type Options struct {
	LeftQuotes  string
	RightQuotes string
	// AttachPunctuation 紧跟右引号时不断行的标点
	AttachPunctuation string
	// TerminalPunctuation 句末标点（句号、问号、叹号）
	TerminalPunctuation string
	// Ellipsis 省略号字形；连续两个及以上视为一个句末记号
	Ellipsis       string
	Indent         string
	ParagraphBreak string
}

// DefaultOptions 中文正文默认字符集
func DefaultOptions() Options {
	return Options{
		LeftQuotes:          "“‘「『",
		RightQuotes:         "”’」』",
		AttachPunctuation:   "，。！？；：、,.!?;:…”’」』",
		TerminalPunctuation: "。！？",
		Ellipsis:            "…",
		Indent:              "　　",
		ParagraphBreak:      "\n\n",
	}
}

// Normalizer 引号感知的分段自动机
type Normalizer struct {
	left     runeSet
	right    runeSet
	attach   runeSet
	terminal runeSet
	ellipsis runeSet
	indent   string
	brk      string
}

type runeSet map[rune]struct{}

func newRuneSet(s string) runeSet {
	set := make(runeSet, len(s))
	for _, r := range s {
		set[r] = struct{}{}
	}
	return set
}

func (s runeSet) has(r rune) bool {
	_, ok := s[r]
	return ok
}

// New 创建 Normalizer；空字段回落到默认值
func New(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.LeftQuotes == "" {
		opts.LeftQuotes = def.LeftQuotes
	}
	if opts.RightQuotes == "" {
		opts.RightQuotes = def.RightQuotes
	}
	if opts.AttachPunctuation == "" {
		opts.AttachPunctuation = def.AttachPunctuation
	}
	if opts.TerminalPunctuation == "" {
		opts.TerminalPunctuation = def.TerminalPunctuation
	}
	if opts.Ellipsis == "" {
		opts.Ellipsis = def.Ellipsis
	}
	if opts.ParagraphBreak == "" {
		opts.ParagraphBreak = def.ParagraphBreak
	}

	return &Normalizer{
		left:     newRuneSet(opts.LeftQuotes),
		right:    newRuneSet(opts.RightQuotes),
		attach:   newRuneSet(opts.AttachPunctuation),
		terminal: newRuneSet(opts.TerminalPunctuation),
		ellipsis: newRuneSet(opts.Ellipsis),
		indent:   opts.Indent,
		brk:      opts.ParagraphBreak,
	}
}

// Format 对累计正文整体重排，返回可直接展示的文本。
// 对任意输入都有结果；未闭合的左引号会让其后的全部内容视为引号内。
func (n *Normalizer) Format(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	st := &state{n: n}
	rs := []rune(text)

	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case n.left.has(r):
			st.inQuote = true
			st.line.WriteRune(r)

		case n.right.has(r):
			st.inQuote = false
			st.line.WriteRune(r)
			if i+1 < len(rs) && n.attach.has(rs[i+1]) {
				continue
			}
			st.commit()

		case n.terminal.has(r) || n.ellipsis.has(r):
			j := i
			for j < len(rs) && (n.terminal.has(rs[j]) || n.ellipsis.has(rs[j])) {
				j++
			}
			token := rs[i:j]
			st.line.WriteString(string(token))
			i = j - 1

			// 单个省略号字形不是句末
			if len(token) == 1 && n.ellipsis.has(token[0]) {
				continue
			}
			if st.inQuote {
				continue
			}

			k := j
			for k < len(rs) && unicode.IsSpace(rs[k]) {
				k++
			}
			i = k - 1
			if k < len(rs) && n.right.has(rs[k]) {
				continue
			}
			st.commit()

		case r == '\n':
			if !st.inQuote {
				st.commit()
				continue
			}
			for i+1 < len(rs) && rs[i+1] == '\n' {
				i++
			}
			st.line.WriteRune(' ')

		default:
			st.line.WriteRune(r)
		}
	}
	st.commit()

	out := strings.Join(st.paragraphs, n.brk)
	out = excessBreaks.ReplaceAllString(out, "\n\n")
	out = strings.TrimLeft(out, "\n")
	return strings.TrimRightFunc(out, unicode.IsSpace)
}

type state struct {
	n          *Normalizer
	inQuote    bool
	line       strings.Builder
	paragraphs []string
}

// commit 结束当前行；只含空白的行不产出段落
func (s *state) commit() {
	line := strings.TrimSpace(s.line.String())
	s.line.Reset()
	if line == "" {
		return
	}
	s.paragraphs = append(s.paragraphs, s.n.indent+line)
}
