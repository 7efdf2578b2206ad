package tailstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// producer is the single long-running task that keeps the cache chain
// fed from the storage engine whenever at least one consumer is tailing
// it.
type producer struct {
	storage StorageEngine
	chain   *chain
	tailing *tailingSet
	logger  hclog.Logger
	monitor Monitor

	fetchDelay time.Duration

	shouldFetch atomic.Bool
	wakeCond    *broadcaster
	consumerSig *broadcaster

	closed  atomic.Bool
	closeCh chan struct{}
	doneCh  chan struct{}

	streamMu sync.Mutex
	stream   EventStream
}

func newProducer(storage StorageEngine, ch *chain, tailing *tailingSet, logger hclog.Logger, monitor Monitor, fetchDelay time.Duration) *producer {
	return &producer{
		storage:     storage,
		chain:       ch,
		tailing:     tailing,
		logger:      logger,
		monitor:     monitor,
		fetchDelay:  fetchDelay,
		wakeCond:    newBroadcaster(),
		consumerSig: newBroadcaster(),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// run is the producer's main loop: while not closed, attempt a fetch,
// then wait for a wake-up or the fetch delay, whichever comes first.
// shouldFetch starts true; while it's set, clear it and fetchData; if the
// last fetch made no progress, sleep; otherwise loop immediately.
func (p *producer) run(ctx context.Context) {
	defer close(p.doneCh)

	p.shouldFetch.Store(true)
	for !p.closed.Load() {
		progressed := false
		for p.shouldFetch.CompareAndSwap(true, false) {
			progressed = p.fetchData(ctx)
			if p.closed.Load() {
				return
			}
		}
		if !progressed {
			p.waitForData(ctx)
		}
	}
}

// wake is called by afterCommit and by a consumer rejoining the tail. It
// sets shouldFetch before signalling to avoid a lost wake-up: a waiter
// that hasn't yet reached its select will observe the flag already set
// and skip the wait entirely.
func (p *producer) wake() {
	if p.closed.Load() {
		return
	}
	p.shouldFetch.Store(true)
	p.wakeCond.broadcast()
}

// waitForData sleeps on the producer's condition for up to fetchDelay. An
// explicit wake() sets shouldFetch itself (lost-wakeup-safe); a bare
// timeout is the periodic probe described by FetchDelay's doc comment, so
// it also sets shouldFetch before returning. Either way the run loop
// re-enters the fetch attempt; this is what makes a failed fetchData (a
// storage read error) retry on its own rather than waiting forever for
// another caller to wake it.
func (p *producer) waitForData(ctx context.Context) {
	ch := p.wakeCond.wait()
	if p.shouldFetch.Load() {
		return
	}
	timer := time.NewTimer(p.fetchDelay)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		p.shouldFetch.Store(true)
	case <-ctx.Done():
	case <-p.closeCh:
	}
}

// fetchData opens a blocking storage read starting after the cache's
// current position (or the slowest tailing consumer's position if the
// cache is empty), appends every event it yields as a Node, signals the
// consumer condition after each, and trims. Returns true iff newest
// advanced.
func (p *producer) fetchData(ctx context.Context) bool {
	if p.tailing.len() == 0 {
		return false
	}

	stream, err := p.storage.ReadEvents(ctx, p.lastToken(), true)
	if err != nil {
		p.logger.Warn("producer: failed to open storage stream", "error", err)
		return false
	}
	p.setStream(stream)
	defer func() {
		stream.Close()
		p.setStream(nil)
	}()

	progressed := false
	for {
		event, ok, err := stream.Next(ctx)
		if err != nil {
			p.logger.Warn("producer: storage read failed", "error", err)
			return progressed
		}
		if !ok {
			return progressed
		}

		prevToken := p.lastToken()
		idx := int64(0)
		if tip := p.chain.Newest(); tip != nil {
			idx = tip.index + 1
		}
		node := newNode(idx, prevToken, event)

		p.chain.appendNode(node)
		p.monitor.NodesAppended(1)
		p.consumerSig.broadcast()
		p.chain.trim()

		progressed = true
	}
}

// lastToken returns the position the next fetch should read after: the
// cache tip's token if the cache has one, otherwise the minimum lastToken
// among currently tailing consumers (nil sorts first). An empty tailing
// set yields nil.
func (p *producer) lastToken() Token {
	if tip := p.chain.Newest(); tip != nil {
		return tip.Token()
	}
	members := p.tailing.snapshot()
	if len(members) == 0 {
		return nil
	}
	slowest := members[0].getLastToken()
	for _, c := range members[1:] {
		slowest = minToken(slowest, c.getLastToken())
	}
	return slowest
}

func (p *producer) setStream(s EventStream) {
	p.streamMu.Lock()
	p.stream = s
	p.streamMu.Unlock()
}

// close stops the run loop at its next iteration and closes any in-flight
// storage stream. Safe to call once; the store's lifecycle guards
// repeated calls.
func (p *producer) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.closeCh)
	p.wakeCond.broadcast()

	p.streamMu.Lock()
	s := p.stream
	p.streamMu.Unlock()
	if s != nil {
		s.Close()
	}

	<-p.doneCh
}
