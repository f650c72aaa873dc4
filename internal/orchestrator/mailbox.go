package orchestrator

import (
	"errors"
	"sync"
)

// errClosed is returned for work submitted after Engine.Close.
var errClosed = errors.New("orchestrator is shut down")

// mailbox serializes all state transitions for one project. Every mutation —
// callbacks, timeouts, approvals — runs as a closure on the project's single
// goroutine, so no two transitions for the same project ever interleave.
type mailbox struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{ch: make(chan func(), 64)}
	go func() {
		for fn := range mb.ch {
			fn()
		}
	}()
	return mb
}

// submit enqueues fn unless the mailbox has been closed.
func (mb *mailbox) submit(fn func()) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}
	mb.ch <- fn
	return true
}

// close drains the goroutine: queued closures still run, then it exits.
func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.ch)
	}
}

type mailboxes struct {
	mu     sync.Mutex
	m      map[string]*mailbox
	closed bool
}

func newMailboxes() *mailboxes {
	return &mailboxes{m: map[string]*mailbox{}}
}

// do runs fn on the project's mailbox goroutine and waits for its result.
func (s *mailboxes) do(projectID string, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	mb, ok := s.m[projectID]
	if !ok {
		mb = newMailbox()
		s.m[projectID] = mb
	}
	s.mu.Unlock()
	errCh := make(chan error, 1)
	if !mb.submit(func() { errCh <- fn() }) {
		return errClosed
	}
	return <-errCh
}

// closeAll shuts every mailbox goroutine down and rejects further work.
func (s *mailboxes) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, mb := range s.m {
		mb.close()
		delete(s.m, id)
	}
}
