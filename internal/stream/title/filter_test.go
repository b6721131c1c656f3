package title

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedRunes(f *Filter, s string) string {
	var body string
	for _, r := range s {
		body += f.Write(string(r))
	}
	return body
}

func TestFilter_CharacterByCharacter(t *testing.T) {
	f := NewFilter('$', PolicyDiscard)

	body := feedRunes(f, "a$Title$body")

	got, ok := f.Title()
	require.True(t, ok)
	assert.Equal(t, "Title", got)
	assert.Equal(t, "abody", body)
	assert.Equal(t, AfterTitle, f.State())
}

func TestFilter_ChunkBoundariesDoNotMatter(t *testing.T) {
	input := "第一章$风起青萍$天色将明，他推开门。$不是标题$"
	want := "第一章天色将明，他推开门。$不是标题$"

	for split := 0; split <= len(input); split++ {
		f := NewFilter('$', PolicyDiscard)
		body := f.Write(input[:split]) + f.Write(input[split:]) + f.Finish()
		if !validSplit(input, split) {
			continue
		}
		assert.Equal(t, want, body, "split at %d", split)
		title, ok := f.Title()
		assert.True(t, ok)
		assert.Equal(t, "风起青萍", title)
	}
}

// validSplit 只在 rune 边界切分；流里的分块由上游按字符串拼接保证
func validSplit(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

func TestFilter_NoDelimiterPassesThrough(t *testing.T) {
	f := NewFilter('$', PolicyDiscard)
	assert.Equal(t, "纯正文", f.Write("纯正文"))
	assert.Equal(t, "", f.Finish())

	_, ok := f.Title()
	assert.False(t, ok)
	assert.Equal(t, BeforeTitle, f.State())
}

func TestFilter_UnterminatedDiscard(t *testing.T) {
	f := NewFilter('$', PolicyDiscard)
	body := f.Write("前言$半截标题")

	assert.Equal(t, "前言", body)
	assert.Equal(t, InTitle, f.State())
	assert.Equal(t, "半截标题", f.Buffered())

	assert.Equal(t, "", f.Finish())
	_, ok := f.Title()
	assert.False(t, ok)
}

func TestFilter_UnterminatedFlush(t *testing.T) {
	f := NewFilter('$', PolicyFlush)
	body := f.Write("前言$半截标题")
	body += f.Finish()

	assert.Equal(t, "前言$半截标题", body)
	_, ok := f.Title()
	assert.False(t, ok)
}

func TestFilter_EmptyTitle(t *testing.T) {
	f := NewFilter('$', PolicyDiscard)
	assert.Equal(t, "ab", f.Write("a$$b"))

	title, ok := f.Title()
	assert.True(t, ok)
	assert.Equal(t, "", title)
}

func TestFilter_CustomDelimiter(t *testing.T) {
	f := NewFilter(ParseDelimiter("#"), PolicyDiscard)
	assert.Equal(t, "正文", f.Write("#标题#正文"))

	title, _ := f.Title()
	assert.Equal(t, "标题", title)
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyFlush, ParsePolicy(" FLUSH "))
	assert.Equal(t, PolicyDiscard, ParsePolicy("discard"))
	assert.Equal(t, PolicyDiscard, ParsePolicy("unknown"))
}

func TestParseDelimiter(t *testing.T) {
	assert.Equal(t, '$', ParseDelimiter(""))
	assert.Equal(t, '§', ParseDelimiter("§x"))
}
