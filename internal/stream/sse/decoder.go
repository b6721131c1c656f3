// Package sse 解码 text/event-stream 风格的流式响应
package sse

import (
	"strings"
)

const (
	// DefaultEvent 帧内没有 event: 行时使用的事件名
	DefaultEvent = "message"
	// DoneSentinel data 为该值时视为终止标记
	DoneSentinel = "[DONE]"

	frameSeparator = "\n\n"
)

// Frame 一个以空行分隔的协议帧
type Frame struct {
	Event   string
	Data    string
	ID      string
	HasData bool
}

// IsDoneSentinel data 是否为 [DONE] 终止标记
func (f Frame) IsDoneSentinel() bool {
	return f.HasData && strings.TrimSpace(f.Data) == DoneSentinel
}

// Decoder 增量帧解码器
// 读边界可以落在帧、行或分隔符的任意位置；未完成的尾部保留到下一次 Feed。
type Decoder struct {
	buf string
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 追加一段数据并返回其中所有完整的帧
func (d *Decoder) Feed(chunk string) []Frame {
	if chunk == "" {
		return nil
	}
	d.buf += chunk
	// 末尾孤立的 \r 可能属于下一段的 \r\n，留在缓冲里
	d.buf = strings.ReplaceAll(d.buf, "\r\n", "\n")

	parts := strings.Split(d.buf, frameSeparator)
	d.buf = parts[len(parts)-1]

	frames := make([]Frame, 0, len(parts)-1)
	for _, raw := range parts[:len(parts)-1] {
		if f, ok := parseFrame(raw); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Flush 在流结束时解析剩余的未以空行结尾的帧
func (d *Decoder) Flush() []Frame {
	raw := strings.TrimSuffix(strings.TrimRight(d.buf, "\r"), "\n")
	d.buf = ""
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if f, ok := parseFrame(raw); ok {
		return []Frame{f}
	}
	return nil
}

// Buffered 当前未消费的尾部
func (d *Decoder) Buffered() string {
	return d.buf
}

// parseFrame 解析单个完整帧；只有注释或空行的帧返回 false
func parseFrame(raw string) (Frame, bool) {
	f := Frame{Event: DefaultEvent}
	var data []string
	seen := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			if value != "" {
				f.Event = value
			}
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			f.ID = value
			seen = true
		default:
			// retry 与未知字段忽略
		}
	}

	if !seen {
		return Frame{}, false
	}
	if len(data) > 0 {
		f.HasData = true
		f.Data = strings.Join(data, "\n")
	}
	return f, true
}
