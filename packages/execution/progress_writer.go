package execution

import (
	"sync"

	"github.com/dentix-ortho/goaltest-server/packages/common"
)

type progressUpdate struct {
	status   common.RunStatus
	progress common.Progress
}

// progressWriter persists a run's progress on its own goroutine so the output
// reader never waits on the store. Only the newest pending update is kept,
// and the final write runs after it, as the last write of the run.
type progressWriter struct {
	write func(progressUpdate)

	mu      sync.Mutex
	pending *progressUpdate
	final   func()
	wake    chan struct{}
	done    chan struct{}
}

func newProgressWriter(write func(progressUpdate)) *progressWriter {
	w := &progressWriter{
		write: write,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Offer replaces any pending update with u. It never blocks.
func (w *progressWriter) Offer(u progressUpdate) {
	w.mu.Lock()
	if w.final != nil {
		w.mu.Unlock()
		return
	}
	w.pending = &u
	w.mu.Unlock()
	w.notify()
}

// Finish queues fn behind the pending update and stops the writer. Only the
// first call counts.
func (w *progressWriter) Finish(fn func()) {
	w.mu.Lock()
	if w.final != nil {
		w.mu.Unlock()
		return
	}
	w.final = fn
	w.mu.Unlock()
	w.notify()
}

// Done is closed after the final write.
func (w *progressWriter) Done() <-chan struct{} {
	return w.done
}

func (w *progressWriter) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *progressWriter) run() {
	defer close(w.done)
	for range w.wake {
		w.mu.Lock()
		u, final := w.pending, w.final
		w.pending = nil
		w.mu.Unlock()

		if u != nil {
			w.write(*u)
		}
		if final != nil {
			final()
			return
		}
	}
}
