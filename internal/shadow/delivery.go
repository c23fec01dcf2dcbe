package shadow

import (
	"sync"
)

// deliveryQueue runs handler work on one goroutine in FIFO order.
//
// Dispatch runs on the transport's delivery path, which must not block on a
// request of its own. Handlers are queued here instead, so a delta handler
// may call Update. The queue is unbounded; push never blocks.
type deliveryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
	logger Logger
}

func newDeliveryQueue(logger Logger) *deliveryQueue {
	q := &deliveryQueue{
		done:   make(chan struct{}),
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push appends a task. It reports false once the queue is closed.
func (q *deliveryQueue) push(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return true
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(task)
	}
}

// runTask runs one task, recovering a handler panic.
func (q *deliveryQueue) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("shadow handler panic recovered", "panic", r)
		}
	}()
	task()
}

// close stops accepting tasks and waits for the queued ones to finish.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

// sync waits until every task queued before the call has run.
func (q *deliveryQueue) sync() {
	flushed := make(chan struct{})
	if !q.push(func() { close(flushed) }) {
		<-q.done
		return
	}
	<-flushed
}
