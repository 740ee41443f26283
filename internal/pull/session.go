package pull

import (
	"context"
	"sync"
)

// session groups the connections relaying for one route. Ending it
// cancels them; connections that arrive afterwards cannot join.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	ended bool
	wg    sync.WaitGroup
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel}
}

// join registers a connection. It reports false once the session ended.
func (s *session) join() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *session) leave() { s.wg.Done() }

// end cancels every joined connection. The returned channel is closed
// once they have all left.
func (s *session) end() <-chan struct{} {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return done
}

// bind returns a context cancelled with either parent or the session
func (s *session) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
