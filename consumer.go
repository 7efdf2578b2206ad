package tailstore

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// unbounded is the timeout sentinel used internally for NextAvailable's
// "ignore timeouts, block until data or cancellation" contract.
const unbounded time.Duration = -1

// Consumer is a per-subscription stream. It has two modes: tailing
// (walks the shared cache chain) and private (reads a direct storage
// stream to catch up), and transitions between them at well-defined
// points: Private -> Tailing at the end of a private stream's backlog,
// Tailing -> Lagging on cleaner detach, Lagging -> Private on the first
// peek after detach.
type Consumer struct {
	id    string
	store *Store

	mu            sync.Mutex
	lastToken     Token
	lastNode      *Node
	peekedEvent   *TrackedEvent
	privateStream EventStream
	closed        bool
}

func newConsumer(store *Store, start Token) *Consumer {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unknown"
	}
	return &Consumer{id: id, store: store, lastToken: start}
}

// ID returns the consumer's opaque identifier, used only for log fields.
func (c *Consumer) ID() string { return c.id }

func (c *Consumer) getLastToken() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastToken
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// isCurrentlyTailing reports whether this consumer should read through
// the shared cache right now: in the tailing set AND (lastToken is nil OR
// the cache's oldest.previousToken is strictly before lastToken).
func (c *Consumer) isCurrentlyTailing() bool {
	if !c.store.tailing.contains(c) {
		return false
	}
	lt := c.getLastToken()
	if lt == nil {
		return true
	}
	oldest := c.store.chain.Oldest()
	if oldest == nil {
		return true
	}
	return tokenBefore(oldest.previousToken, lt)
}

// Peek returns the buffered event if one is already waiting, otherwise
// performs a zero-timeout fetch, buffers whatever it finds, and returns
// it. Idempotent: repeated Peek calls without an intervening
// NextAvailable return the same event.
func (c *Consumer) Peek(ctx context.Context) (TrackedEvent, bool, error) {
	return c.peekTimeout(ctx, 0)
}

// HasNextAvailable reports whether an event is available within timeout,
// without consuming it.
func (c *Consumer) HasNextAvailable(ctx context.Context, timeout time.Duration) (bool, error) {
	_, ok, err := c.peekTimeout(ctx, timeout)
	return ok, err
}

// NextAvailable blocks until an event is available or ctx is cancelled,
// then consumes and returns it. Unlike Peek/HasNextAvailable it ignores
// any notion of a deadline of its own; only ctx can unblock it early. If
// the consumer or its store closes while waiting, it returns
// ErrStoreClosed at its next wake-up rather than retrying forever. A store
// Close wakes it at once; closing only the consumer leaves a wait on the
// shared cache parked until the next appended node or ctx.
func (c *Consumer) NextAvailable(ctx context.Context) (TrackedEvent, error) {
	for {
		ev, ok, err := c.peekTimeout(ctx, unbounded)
		if err != nil {
			return TrackedEvent{}, err
		}
		if ok {
			c.mu.Lock()
			c.peekedEvent = nil
			c.mu.Unlock()
			return ev, nil
		}
		if c.isClosed() || c.store.isClosed() {
			return TrackedEvent{}, ErrStoreClosed
		}
		// No event and no error: a wait woke spuriously with the
		// consumer having just been detached. Retry.
		select {
		case <-ctx.Done():
			return TrackedEvent{}, ctx.Err()
		default:
		}
	}
}

// peekTimeout is the shared implementation behind Peek/HasNextAvailable/
// NextAvailable: return the buffered event if any, else dispatch a fetch
// with the given timeout and buffer whatever comes back.
func (c *Consumer) peekTimeout(ctx context.Context, timeout time.Duration) (TrackedEvent, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return TrackedEvent{}, false, nil
	}
	if c.peekedEvent != nil {
		ev := *c.peekedEvent
		c.mu.Unlock()
		return ev, true, nil
	}
	c.mu.Unlock()

	if c.store.isClosed() {
		return TrackedEvent{}, false, nil
	}

	ev, ok, err := c.peekOnce(ctx, timeout)
	if err != nil {
		return TrackedEvent{}, false, err
	}
	if ok {
		c.mu.Lock()
		c.peekedEvent = &ev
		c.mu.Unlock()
	}
	return ev, ok, nil
}

// peekOnce re-evaluates which mode the consumer is in and dispatches to
// the matching path.
func (c *Consumer) peekOnce(ctx context.Context, timeout time.Duration) (TrackedEvent, bool, error) {
	if c.isCurrentlyTailing() {
		return c.peekGlobalStream(ctx, timeout)
	}
	return c.peekPrivateStream(ctx, timeout)
}

// peekGlobalStream reads the next event off the shared cache chain,
// waiting on the producer's consumer condition if nothing is there yet.
func (c *Consumer) peekGlobalStream(ctx context.Context, timeout time.Duration) (TrackedEvent, bool, error) {
	// Grab the wait channel before checking for a node, not after: checking
	// first would let an append+broadcast land in the gap, closing a
	// generation we never waited on and leaving us asleep on the next one,
	// which won't close until a later append.
	waitCh := c.store.producer.consumerSig.wait()
	next := c.nextGlobalNode()

	if next == nil && timeout != 0 {
		select {
		case <-waitCh:
		case <-ctxOrNever(ctx):
			return TrackedEvent{}, false, ctx.Err()
		case <-timeoutOrNever(timeout):
		}
		next = c.nextGlobalNode()
	}

	if next == nil {
		return TrackedEvent{}, false, nil
	}

	stillTailing := c.store.tailing.contains(c)
	c.mu.Lock()
	if stillTailing {
		c.lastNode = next
	}
	// lastToken advances even if the consumer was just detached here,
	// intentionally: see DESIGN.md's open-question notes.
	c.lastToken = next.Token()
	c.mu.Unlock()

	if !stillTailing {
		return TrackedEvent{}, false, nil
	}
	return next.Event(), true, nil
}

func (c *Consumer) nextGlobalNode() *Node {
	c.mu.Lock()
	ln := c.lastNode
	lt := c.lastToken
	c.mu.Unlock()
	if ln != nil {
		return ln.Next()
	}
	return c.store.chain.findSuccessorOf(lt)
}

// peekPrivateStream drives a direct, non-blocking storage read to catch
// a consumer up on backlog the cache no longer retains.
func (c *Consumer) peekPrivateStream(ctx context.Context, timeout time.Duration) (TrackedEvent, bool, error) {
	c.mu.Lock()
	stream := c.privateStream
	startAfter := c.lastToken
	c.mu.Unlock()

	if stream == nil {
		s, err := c.store.storage.ReadEvents(ctx, startAfter, false)
		if err != nil {
			return TrackedEvent{}, false, err
		}
		c.mu.Lock()
		c.privateStream = s
		c.mu.Unlock()
		stream = s
	}

	event, ok, err := stream.Next(ctx)
	if err != nil {
		return TrackedEvent{}, false, err
	}
	if ok {
		c.mu.Lock()
		c.lastToken = event.Token
		c.mu.Unlock()
		return event, true, nil
	}

	// Iterator exhausted: rejoin the tail.
	stream.Close()
	c.mu.Lock()
	c.privateStream = nil
	caughtUpAt := c.lastToken
	c.mu.Unlock()

	node := c.store.chain.findNode(caughtUpAt)
	c.mu.Lock()
	c.lastNode = node
	c.mu.Unlock()
	c.store.joinTailing(c)

	if timeout == 0 {
		return TrackedEvent{}, false, nil
	}
	return c.peekOnce(ctx, timeout)
}

// Close releases the consumer's private stream if any and removes it
// from the tailing set. Idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.privateStream
	c.privateStream = nil
	c.lastNode = nil
	c.mu.Unlock()

	c.store.tailing.remove(c)

	if stream != nil {
		return stream.Close()
	}
	return nil
}

func ctxOrNever(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

// timeoutOrNever returns a channel that fires after d, or nil (which
// blocks forever in a select) when d is the unbounded sentinel.
func timeoutOrNever(d time.Duration) <-chan time.Time {
	if d < 0 {
		return nil
	}
	return time.After(d)
}
