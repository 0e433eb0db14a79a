package roomsync

import "sync"

// loop runs tasks one at a time on a single goroutine, in post order.
type loop struct {
	tasks    chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newLoop(size int) *loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	l := &loop{
		tasks:   make(chan func(), size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case task := <-l.tasks:
			task()
		}
	}
}

// post queues task. It reports false once the loop is stopped.
func (l *loop) post(task func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	case <-l.done:
		return false
	}
}

// call runs task on the loop and waits for it. Must not be used from a task.
func (l *loop) call(task func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		task()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.stopped:
		return false
	}
}

// stop ends the loop after the running task; queued tasks are dropped.
func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
	<-l.stopped
}
