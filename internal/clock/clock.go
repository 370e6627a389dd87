// Package clock 抽象了时间，使会话状态机在实盘与测试中行为一致。
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock 提供当前时间和可取消的阻塞休眠
type Clock interface {
	Now() time.Time
	// Today 返回时钟所在时区当天的零点
	Today() time.Time
	SleepUntil(ctx context.Context, t time.Time) error
	SleepFor(ctx context.Context, d time.Duration) error
}

// Real 是基于系统时间的时钟
type Real struct {
	loc *time.Location
}

// NewReal 创建一个指定时区的真实时钟，loc 为 nil 时使用本地时区
func NewReal(loc *time.Location) *Real {
	if loc == nil {
		loc = time.Local
	}
	return &Real{loc: loc}
}

func (c *Real) Now() time.Time {
	return time.Now().In(c.loc)
}

func (c *Real) Today() time.Time {
	return startOfDay(c.Now())
}

func (c *Real) SleepUntil(ctx context.Context, t time.Time) error {
	return c.SleepFor(ctx, time.Until(t))
}

func (c *Real) SleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Simulated 是一个虚拟时钟：休眠会立即把时间推进到目标时刻，用于确定性测试和回放
type Simulated struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewSimulated 创建一个从 start 开始的虚拟时钟
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Simulated) Today() time.Time {
	return startOfDay(c.Now())
}

func (c *Simulated) SleepUntil(ctx context.Context, t time.Time) error {
	return c.SleepFor(ctx, t.Sub(c.Now()))
}

func (c *Simulated) SleepFor(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// Advance 手动推进时间
func (c *Simulated) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set 把时间设置为 t
func (c *Simulated) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Sleeps 返回所有休眠请求的时长 (包括非正数的请求)
func (c *Simulated) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
