package sse

import (
	"errors"
	"io"

	apperrors "z-novel-pipeline/pkg/errors"
)

const defaultReadBufferSize = 4096

// FrameHandler 处理一个帧；返回 false 时停止读取
type FrameHandler func(Frame) bool

// Decode 从 r 持续读取并按顺序回调每个帧。
// 正常 EOF 时先解析剩余尾部再返回 nil；读失败返回唯一一次传输错误，不重试。
func Decode(r io.Reader, bufSize int, fn FrameHandler) error {
	if bufSize <= 0 {
		bufSize = defaultReadBufferSize
	}

	dec := NewDecoder()
	buf := make([]byte, bufSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(string(buf[:n])) {
				if !fn(f) {
					return nil
				}
			}
		}

		if errors.Is(err, io.EOF) {
			for _, f := range dec.Flush() {
				if !fn(f) {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeStreamTransport, "stream read failed")
		}
	}
}
