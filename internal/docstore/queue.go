package docstore

import (
	"context"
	"fmt"
	"sync"
)

// Queue runs submitted tasks one at a time in submission order. A task that
// fails or panics only affects its own submitter.
type Queue struct {
	mu      sync.Mutex
	pending []*queuedTask
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

type queuedTask struct {
	ctx    context.Context
	run    func(context.Context) error
	result chan error
}

// NewQueue starts a queue with its single worker goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Do enqueues task and blocks until it has run. If ctx is already done when
// the task reaches the head of the queue, the task is skipped and ctx.Err()
// is returned. Once a task has started Do always waits for it to finish.
func (q *Queue) Do(ctx context.Context, task func(context.Context) error) error {
	t := &queuedTask{ctx: ctx, run: task, result: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return <-t.result
}

// Len reports how many tasks are waiting, excluding the one running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects waiting and future tasks with ErrClosed and waits for the
// running task, if any, to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	waiting := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, t := range waiting {
		t.result <- ErrClosed
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		t, ok := q.next()
		if !ok {
			return
		}
		t.result <- q.execute(t)
	}
}

func (q *Queue) next() (*queuedTask, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return t, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *Queue) execute(t *queuedTask) (err error) {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docstore: task panicked: %v", r)
		}
	}()
	return t.run(t.ctx)
}
