package tailstore

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// cleaner is the periodic task that detaches tailing consumers whose
// position has fallen outside the cache's retained window. Trimming the
// chain only drops the chain's own reference to the evicted prefix; the
// cleaner is what breaks a laggard's lastNode reference so that prefix can
// actually be collected.
type cleaner struct {
	store   *Store
	logger  hclog.Logger
	monitor Monitor
	delay   time.Duration

	doneCh chan struct{}
}

func newCleaner(store *Store, logger hclog.Logger, monitor Monitor, delay time.Duration) *cleaner {
	return &cleaner{store: store, logger: logger, monitor: monitor, delay: delay, doneCh: make(chan struct{})}
}

func (cl *cleaner) run(ctx context.Context, closeCh <-chan struct{}) {
	defer close(cl.doneCh)
	ticker := time.NewTicker(cl.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closeCh:
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}

// sweep detaches every tailing consumer that has fallen behind the
// cache's retained window: lastToken is nil, or the cache's
// oldest.previousToken is after lastToken.
func (cl *cleaner) sweep() {
	oldest := cl.store.chain.Oldest()
	if oldest == nil {
		return
	}
	for _, c := range cl.store.tailing.snapshot() {
		lt := c.getLastToken()
		if lt != nil && !tokenIsAfter(oldest.previousToken, lt) {
			continue
		}
		cl.detach(c)
	}
}

func (cl *cleaner) detach(c *Consumer) {
	cl.store.tailing.remove(c)
	c.mu.Lock()
	c.lastNode = nil
	c.mu.Unlock()
	cl.monitor.ConsumerDetached()
	cl.logger.Warn("cleaner: detached lagging consumer", "consumer", c.ID())
}
