package cudriver

import (
	"sync"

	"github.com/pkg/errors"
)

// simStream executes tasks in submission order on a single worker
// goroutine. That gives the reference driver real host/device concurrency
// with the same ordering guarantee a native queue provides: in-order within
// the stream, unordered across streams.
type simStream struct {
	ctx    *simContext
	tasks  chan func() error
	done   chan struct{}
	closed bool

	mu       sync.Mutex
	firstErr error
}

const simStreamDepth = 64

// CreateStream implements Context.
func (ctx *simContext) CreateStream() (Stream, error) {
	ctx.drv.mu.Lock()
	defer ctx.drv.mu.Unlock()
	if err := ctx.checkAlive(); err != nil {
		return nil, err
	}
	s := &simStream{
		ctx:   ctx,
		tasks: make(chan func() error, simStreamDepth),
		done:  make(chan struct{}),
	}
	go s.run()
	ctx.streams = append(ctx.streams, s)
	return s, nil
}

func (s *simStream) run() {
	defer close(s.done)
	for fn := range s.tasks {
		if err := fn(); err != nil {
			s.mu.Lock()
			if s.firstErr == nil {
				s.firstErr = err
			}
			s.mu.Unlock()
		}
	}
}

// enqueue submits fn to the given queue. A nil stream is the default queue,
// which executes synchronously with respect to the host.
func (ctx *simContext) enqueue(s Stream, fn func() error) error {
	if s == nil {
		return fn()
	}
	ss, ok := s.(*simStream)
	if !ok {
		return errors.Errorf("stream %T does not belong to this driver", s)
	}
	if ss.ctx != ctx {
		return errors.Errorf("stream belongs to device %d, not device %d", ss.ctx.dev.id, ctx.dev.id)
	}
	if ss.closed {
		return errors.New("enqueue on a destroyed stream")
	}
	ss.tasks <- fn
	return nil
}

// Synchronize implements Stream. It blocks until every previously enqueued
// task has completed, and reports the first asynchronous failure since the
// stream was created.
func (s *simStream) Synchronize() error {
	if s.closed {
		return errors.New("synchronize on a destroyed stream")
	}
	marker := make(chan struct{})
	s.tasks <- func() error {
		close(marker)
		return nil
	}
	<-marker
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Destroy implements Stream. Pending work is drained before the worker
// exits; a native driver gives no such grace, so callers synchronize first.
func (s *simStream) Destroy() error {
	if s.closed {
		return errors.New("stream already destroyed")
	}
	s.closed = true
	close(s.tasks)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}
