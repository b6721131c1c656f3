package genapi

import (
	"context"
	"sync"

	"z-novel-pipeline/internal/stream"
)

// UnitSession 流式会话加上自动保存结果。
// 流本身正常结束但保存失败时，Err 返回保存错误。
type UnitSession struct {
	*stream.Session

	cancel context.CancelFunc

	mu         sync.Mutex
	persistErr error
}

// Cancel 中止流与尚未发出的自动保存；会话结束后调用无效
func (u *UnitSession) Cancel() {
	u.cancel()
}

func (u *UnitSession) setPersistErr(err error) {
	u.mu.Lock()
	u.persistErr = err
	u.mu.Unlock()
}

// Err 流错误优先，其次是保存错误
func (u *UnitSession) Err() error {
	if err := u.Session.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.persistErr
}
