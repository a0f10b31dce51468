package accesslog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Recorder writes access entries asynchronously. Record never blocks;
// entries beyond the buffer are dropped and counted.
type Recorder struct {
	store   *Store
	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewRecorder starts the background writer. bufferSize zero or negative
// defaults to 1024.
func NewRecorder(store *Store, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		store:   store,
		entries: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "accesslog.recorder"),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues one entry. A zero ID is filled with a fresh UUID, a
// zero time with now.
func (r *Recorder) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	select {
	case r.entries <- e:
	default:
		n := r.dropped.Add(1)
		if n%1000 == 1 {
			r.logger.Warn("access log buffer full, dropping records",
				"dropped_total", n,
			)
		}
	}
}

// Dropped returns how many entries were lost to a full buffer.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close drains buffered entries and stops the worker.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.entries:
			r.write(e)
		case <-r.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case e := <-r.entries:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Insert(ctx, e); err != nil {
		r.logger.Error("writing access record failed",
			"id", e.ID,
			"error", err,
		)
	}
}
