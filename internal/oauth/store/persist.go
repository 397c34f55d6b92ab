package store

import (
	"sync"
	"time"
)

// defaultSaveDebounce is the quiet period used to coalesce bursts of
// mutations into a single disk write.
const defaultSaveDebounce = time.Second

// saveTask owns a single pending debounced save. Schedule arms the timer if
// none is pending; a pending save already covers later mutations because run
// snapshots the store at execution time. Flush cancels any pending timer and
// runs the save synchronously exactly once.
type saveTask struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	run   func()
}

func newSaveTask(delay time.Duration, run func()) *saveTask {
	if delay <= 0 {
		delay = defaultSaveDebounce
	}
	return &saveTask{delay: delay, run: run}
}

// Schedule arms the debounce timer unless a save is already pending.
func (t *saveTask) Schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.delay, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		t.run()
	})
}

// Cancel stops a pending save and reports whether one was pending.
func (t *saveTask) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return false
	}
	stopped := t.timer.Stop()
	t.timer = nil
	return stopped
}

// Flush cancels any pending save and runs it synchronously.
func (t *saveTask) Flush() {
	t.Cancel()
	t.run()
}
