// Package memstore is a reference in-memory StorageEngine. It exists so
// the tailstore core can be exercised and tested without a real durable
// engine; persistence, transactions, and serialization are treated as
// someone else's problem.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-tailstore"
)

// Engine is a simple, entirely in-memory StorageEngine backed by an
// append-only slice. It assigns SequenceToken values in commit order.
type Engine struct {
	mu     sync.Mutex
	events []tailstore.TrackedEvent
	notify chan struct{}
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{notify: make(chan struct{})}
}

// Append commits payloads as new events, assigning each the next
// sequence token, and wakes any blocked tailing reads. Returns the tokens
// assigned, in order. This stands in for the real engine's durable append
// plus its afterCommit edge; callers driving a tailstore.Store should
// call Store.AfterCommit once Append returns.
func (e *Engine) Append(payloads ...interface{}) []tailstore.Token {
	e.mu.Lock()
	tokens := make([]tailstore.Token, 0, len(payloads))
	for _, p := range payloads {
		tok := tailstore.SequenceToken(len(e.events) + 1)
		e.events = append(e.events, tailstore.TrackedEvent{Token: tok, Payload: p})
		tokens = append(tokens, tok)
	}
	old := e.notify
	e.notify = make(chan struct{})
	e.mu.Unlock()
	close(old)
	return tokens
}

// ReadEvents implements tailstore.StorageEngine.
func (e *Engine) ReadEvents(_ context.Context, afterToken tailstore.Token, mayBlock bool) (tailstore.EventStream, error) {
	return &stream{engine: e, after: afterToken, mayBlock: mayBlock}, nil
}

type stream struct {
	engine   *Engine
	after    tailstore.Token
	mayBlock bool
	closed   bool
}

func (s *stream) Next(ctx context.Context) (tailstore.TrackedEvent, bool, error) {
	for {
		s.engine.mu.Lock()
		if s.closed {
			s.engine.mu.Unlock()
			return tailstore.TrackedEvent{}, false, nil
		}

		idx := 0
		if s.after != nil {
			idx = int(s.after.(tailstore.SequenceToken))
		}
		if idx < len(s.engine.events) {
			ev := s.engine.events[idx]
			s.after = ev.Token
			s.engine.mu.Unlock()
			return ev, true, nil
		}
		notifyCh := s.engine.notify
		s.engine.mu.Unlock()

		if !s.mayBlock {
			return tailstore.TrackedEvent{}, false, nil
		}
		select {
		case <-ctx.Done():
			return tailstore.TrackedEvent{}, false, ctx.Err()
		case <-notifyCh:
		}
	}
}

func (s *stream) Close() error {
	s.engine.mu.Lock()
	s.closed = true
	s.engine.mu.Unlock()
	return nil
}

// ErrInjected is returned by Flaky on the calls it's configured to fail.
var ErrInjected = errors.New("memstore: injected storage failure")

// Flaky wraps an Engine and fails the first FailFirst calls to ReadEvents,
// succeeding on every call after that, so callers can exercise storage
// failure and recovery: the producer must log and retry rather than
// giving up. A stream, once opened, is held open and read via repeated
// Next calls rather than repeated ReadEvents calls, so this fails whole
// stream-open attempts rather than individual events.
type Flaky struct {
	Engine    *Engine
	FailFirst int

	mu    sync.Mutex
	calls int
}

func (f *Flaky) ReadEvents(ctx context.Context, afterToken tailstore.Token, mayBlock bool) (tailstore.EventStream, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.FailFirst
	f.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return f.Engine.ReadEvents(ctx, afterToken, mayBlock)
}
