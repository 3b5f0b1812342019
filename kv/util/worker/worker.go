package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Task interface{}

type taskStop struct{}

// Worker runs tasks one at a time on its own goroutine, in the order they were sent.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(taskStop); ok {
				log.Debug("worker stopped", zap.String("name", w.name))
				return
			}
			handler.Handle(task)
		}
	}()
}

// Send queues t and blocks while the queue is full. It returns false once the worker is stopped.
func (w *Worker) Send(t Task) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	w.sender <- t
	return true
}

// Stop lets the tasks queued so far run, then ends the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.sender <- taskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
