// Package progress 为没有细粒度进度的长操作合成一个单调不减的百分比
package progress

import (
	"math"
	"sync"
)

// Ceiling 未收到完成确认前的上限
const Ceiling = 99

// Curve 按轮询次数计算原始百分比的分段曲线
type Curve func(tick int) float64

// DefaultCurve 前期快、后期慢，渐近但不到 100：
//
//	t ≤ 10:  5 + 3t
//	t ≤ 30:  35 + 1.5(t-10)
//	t ≤ 60:  65 + 0.6(t-30)
//	t > 60:  83 + 16(1 - e^(-(t-60)/60))
func DefaultCurve(tick int) float64 {
	t := float64(tick)
	switch {
	case tick <= 0:
		return 0
	case tick <= 10:
		return 5 + 3*t
	case tick <= 30:
		return 35 + 1.5*(t-10)
	case tick <= 60:
		return 65 + 0.6*(t-30)
	default:
		return 83 + 16*(1-math.Exp(-(t-60)/60))
	}
}

// Estimator 进度估算器，可并发调用
type Estimator struct {
	mu    sync.Mutex
	curve Curve
	tick  int
	last  int
	done  bool
}

// NewEstimator 创建估算器；curve 为 nil 时使用 DefaultCurve
func NewEstimator(curve Curve) *Estimator {
	if curve == nil {
		curve = DefaultCurve
	}
	return &Estimator{curve: curve}
}

// Tick 推进一次轮询并返回当前百分比
func (e *Estimator) Tick() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 100
	}
	e.tick++
	return e.observeLocked(e.tick)
}

// At 按给定的轮询次数估算；次数回退时结果不回退
func (e *Estimator) At(tick int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 100
	}
	if tick > e.tick {
		e.tick = tick
	}
	return e.observeLocked(tick)
}

func (e *Estimator) observeLocked(tick int) int {
	v := int(math.Floor(e.curve(tick)))
	if v > Ceiling {
		v = Ceiling
	}
	if v > e.last {
		e.last = v
	}
	return e.last
}

// Complete 外部确认完成，之后恒为 100
func (e *Estimator) Complete() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
	e.last = 100
	return 100
}

// Percent 最近一次的结果
func (e *Estimator) Percent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Reset 清零，供下一个单元复用
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tick, e.last, e.done = 0, 0, false
}
