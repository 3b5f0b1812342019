package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type collector struct {
	started bool
	tasks   []int
}

func (c *collector) Start() {
	c.started = true
}

func (c *collector) Handle(t Task) {
	c.tasks = append(c.tasks, t.(int))
}

func TestWorkerOrder(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("test", 4, wg)
	c := new(collector)
	w.Start(c)
	for i := 0; i < 100; i++ {
		assert.True(t, w.Send(i))
	}
	w.Stop()
	wg.Wait()
	assert.True(t, c.started)
	assert.Len(t, c.tasks, 100)
	for i, v := range c.tasks {
		assert.Equal(t, i, v)
	}
	assert.False(t, w.Send(101))
	w.Stop()
}
