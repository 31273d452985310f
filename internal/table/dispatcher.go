package table

import "sync"

// dispatcher runs continuations one at a time, in the order they were posted,
// on a goroutine of its own. Continuations therefore never run on the
// goroutine that triggered them and may take locks their trigger holds.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		d.mu.Unlock()

		task()
	}
}

// post queues task. Once the dispatcher is closed the task runs on a fresh
// goroutine instead, so every continuation still runs exactly once.
func (d *dispatcher) post(task func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go task()
		return
	}
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	d.cond.Signal()
}

// close stops accepting tasks and waits until the queued ones have run.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	<-d.done
}
