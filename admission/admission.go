package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

const DefaultCapacity = 4

var (
	ErrPanic  = errors.New("task panicked")
	ErrClosed = errors.New("controller closed")
)

type job struct {
	task func() error
	done chan error
}

// Controller 固定容量的准入控制 + 同样大小的 worker 池
//
//	TryAcquire 不阻塞，满了直接拒绝，不排队
//	每个 worker 执行完任务后释放名额，包括 panic 的情况
type Controller struct {
	slots chan struct{}
	jobs  chan job

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func New(capacity int) *Controller {
	if capacity < 1 {
		capacity = 1
	}

	c := &Controller{
		slots: make(chan struct{}, capacity),
		jobs:  make(chan job, capacity),
	}
	for i := 0; i < capacity; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			c.work(workerID)
		}(i)
	}
	return c
}

func (c *Controller) TryAcquire() bool {
	select {
	case c.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release 释放一个名额，没有被占用的名额时什么都不做
func (c *Controller) Release() {
	select {
	case <-c.slots:
	default:
	}
}

// Submit 把任务交给 worker 执行，调用前必须已经 TryAcquire 成功
// 返回的 channel 会收到任务的错误，panic 会转换成 ErrPanic
func (c *Controller) Submit(task func() error) <-chan error {
	done := make(chan error, 1)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.Release()
		done <- ErrClosed
		return done
	}

	// 已占用名额的任务数不超过容量，这里不会阻塞
	c.jobs <- job{task: task, done: done}
	return done
}

func (c *Controller) work(workerID int) {
	for j := range c.jobs {
		j.done <- c.run(workerID, j.task)
	}
}

func (c *Controller) run(workerID int, task func() error) (err error) {
	defer c.Release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "worker", workerID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task()
}

func (c *Controller) InFlight() int { return len(c.slots) }

func (c *Controller) Capacity() int { return cap(c.slots) }

// Close 不再接收新任务，等待已提交的任务执行完
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.jobs)
		c.mu.Unlock()
	})
	c.wg.Wait()
}
