package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSessionActive = errors.New("capture: session already running")

// Session is a cancellable decode subscription over one Source. The loop
// stops on the first decoded code, on Stop, or when the source fails. Once
// Stop has returned no callback runs.
type Session struct {
	source   Source
	decoder  Decoder
	interval time.Duration

	mu     sync.Mutex
	active bool
	last   string
	cur    *run
	err    error
}

type run struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(source Source, decoder Decoder, interval time.Duration) *Session {
	if interval <= 0 {
		interval = time.Second
	}
	return &Session{source: source, decoder: decoder, interval: interval}
}

// Start opens the source and decodes at most one frame per interval until a
// new code is seen. onCode runs on the session goroutine after the source
// has been released; it must not call Start or Stop. The session is claimed
// before the source is opened, so a concurrent Start gets ErrSessionActive.
func (s *Session) Start(ctx context.Context, onCode func(string)) error {
	s.mu.Lock()
	prev := s.cur
	if prev != nil && s.active {
		s.mu.Unlock()
		return ErrSessionActive
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.cur = r
	s.active = true
	s.err = nil
	s.mu.Unlock()

	if prev != nil {
		<-prev.done
	}

	if err := s.source.Open(loopCtx); err != nil {
		s.abort(r, err)
		return err
	}

	go s.loop(loopCtx, r, onCode)
	return nil
}

// abort gives up a claimed run whose source never opened.
func (s *Session) abort(r *run, err error) {
	r.closeOnce.Do(r.cancel)
	s.mu.Lock()
	if s.cur == r {
		s.active = false
		s.err = err
	}
	s.mu.Unlock()
	close(r.done)
}

func (s *Session) loop(ctx context.Context, r *run, onCode func(string)) {
	defer close(r.done)
	defer s.release(r)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		frame, err := s.source.Frame(ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if text, ok := s.decoder.Decode(frame); ok {
			if s.claim(text) {
				s.release(r)
				onCode(text)
				return
			}
		}

		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// claim flips the session inactive for a code not delivered before. A false
// return means the code is a repeat or the session was already stopped.
func (s *Session) claim(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || text == s.last {
		return false
	}
	s.last = text
	s.active = false
	return true
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && !errors.Is(err, context.Canceled) {
		s.err = err
	}
	s.active = false
}

func (s *Session) release(r *run) {
	r.closeOnce.Do(func() {
		r.cancel()
		_ = s.source.Close()
	})
}

// Stop tears the loop down and releases the source before returning.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.cur
	s.active = false
	s.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	<-r.done
	s.release(r)
}

// Done is closed when the current loop has exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.cur.done
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Err reports why the last loop ended on its own, ErrEndOfStream for an
// exhausted source for example. It is nil after a decode or Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reset forgets the last delivered code so that a retry may deliver it again.
func (s *Session) Reset() {
	s.mu.Lock()
	s.last = ""
	s.mu.Unlock()
}
