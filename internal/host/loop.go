package host

import (
	"errors"
	"sync"
)

// ErrLoopStopped is returned when work is scheduled after Stop.
var ErrLoopStopped = errors.New("main loop stopped")

// Loop runs tasks one at a time on a single goroutine, standing in for the game server's
// main thread.
type Loop struct {
	tasks    chan func()
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a loop with room for queueSize pending tasks.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins executing tasks.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case task := <-l.tasks:
			l.exec(task)
		case <-l.stopCh:
			// Finish what was already queued.
			for {
				select {
				case task := <-l.tasks:
					l.exec(task)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) exec(task func()) {
	task()
}

// Submit queues task. It blocks while the queue is full.
func (l *Loop) Submit(task func()) error {
	select {
	case <-l.stopCh:
		return ErrLoopStopped
	default:
	}

	select {
	case l.tasks <- task:
		return nil
	case <-l.stopCh:
		return ErrLoopStopped
	}
}

// Stop drains queued tasks and waits for the loop goroutine to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}
