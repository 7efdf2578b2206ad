// Package tailstore implements an embedded event-store façade: an
// in-memory tailing cache and its producer/consumer coordination,
// multiplexing many live subscribers over a single backing
// StorageEngine.
package tailstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// ErrStoreClosed is returned by Consumer.NextAvailable once the consumer
// or its store has been closed. Peek and HasNextAvailable instead report
// no event and a nil error.
var ErrStoreClosed = errors.New("tailstore: store closed")

const (
	// DefaultCachedEvents is the default maximum node count retained in
	// the cache chain.
	DefaultCachedEvents = 10000
	// DefaultFetchDelay is the default maximum idle interval between
	// producer storage probes.
	DefaultFetchDelay = 1 * time.Second
	// DefaultCleanupDelay is the default cleaner sweep period.
	DefaultCleanupDelay = 10 * time.Second
)

// Config configures a Store.
type Config struct {
	// CachedEvents is the maximum node count retained in the cache
	// chain. Must be positive; defaults to DefaultCachedEvents.
	CachedEvents int64

	// FetchDelay bounds how long the producer idles between storage
	// probes absent an explicit wake. Defaults to DefaultFetchDelay.
	FetchDelay time.Duration

	// CleanupDelay is the cleaner's sweep period. Defaults to
	// DefaultCleanupDelay.
	CleanupDelay time.Duration

	// Logger receives structured log output. Defaults to a no-op
	// logger.
	Logger hclog.Logger

	// Monitor receives operational counters. Defaults to NoopMonitor.
	Monitor Monitor
}

func (c Config) withDefaults() Config {
	if c.CachedEvents <= 0 {
		c.CachedEvents = DefaultCachedEvents
	}
	if c.FetchDelay <= 0 {
		c.FetchDelay = DefaultFetchDelay
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = DefaultCleanupDelay
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Monitor == nil {
		c.Monitor = NoopMonitor()
	}
	return c
}

// Store is the embedded event-store façade: it owns the cache chain,
// the lazily-started producer, and the cleaner, and mints Consumers
// against them.
type Store struct {
	storage StorageEngine
	chain   *chain
	tailing *tailingSet
	logger  hclog.Logger
	monitor Monitor

	producer *producer
	cleaner  *cleaner

	ctx    context.Context
	cancel context.CancelFunc

	producerStarted atomic.Bool
	producerWG      sync.WaitGroup
	cleanerStarted  sync.Once

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewStore constructs a Store backed by storage. The producer is not
// started until the first consumer joins the tailing set.
func NewStore(storage StorageEngine, cfg Config) *Store {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	tailing := newTailingSet()
	ch := newChain(cfg.CachedEvents, cfg.Monitor)

	s := &Store{
		storage: storage,
		chain:   ch,
		tailing: tailing,
		logger:  cfg.Logger,
		monitor: cfg.Monitor,
		ctx:     ctx,
		cancel:  cancel,
		closeCh: make(chan struct{}),
	}
	s.producer = newProducer(storage, ch, tailing, cfg.Logger.Named("producer"), cfg.Monitor, cfg.FetchDelay)
	s.cleaner = newCleaner(s, cfg.Logger.Named("cleaner"), cfg.Monitor, cfg.CleanupDelay)
	return s
}

func (s *Store) isClosed() bool { return s.closed.Load() }

// startProducerOnce starts the producer's run loop and the cleaner's
// sweep loop the first time any consumer joins the tailing set, so an
// idle store with no subscribers costs nothing. Guarded by a CAS so
// concurrent joins only start it once.
func (s *Store) startProducerOnce() {
	if s.closed.Load() {
		return
	}
	if s.producerStarted.CompareAndSwap(false, true) {
		s.producerWG.Add(1)
		go func() {
			defer s.producerWG.Done()
			s.producer.run(s.ctx)
		}()
	}
	s.cleanerStarted.Do(func() {
		go s.cleaner.run(s.ctx, s.closeCh)
	})
}

// joinTailing adds c to the tailing set, starts the producer/cleaner if
// this is the first tailing consumer, and wakes the producer so it
// reconsiders its read position immediately.
func (s *Store) joinTailing(c *Consumer) {
	s.tailing.add(c)
	s.startProducerOnce()
	s.producer.wake()
}

// StreamEvents opens a new consumer starting strictly after start (nil
// meaning from the beginning). If start is already present in the cache,
// the consumer begins tailing immediately; otherwise it begins in
// private catch-up mode.
func (s *Store) StreamEvents(start Token) *Consumer {
	c := newConsumer(s, start)
	if s.closed.Load() {
		c.closed = true
		return c
	}
	if node := s.chain.findNode(start); node != nil {
		c.lastNode = node
		s.joinTailing(c)
	}
	return c
}

// AfterCommit is the edge invoked by the enclosing event store after a
// successful append. It only wakes the producer; event contents are
// never inspected here.
func (s *Store) AfterCommit() {
	if s.closed.Load() {
		return
	}
	s.producer.wake()
}

// Stats is a point-in-time snapshot of cache and subscriber state, for
// operational visibility.
type Stats struct {
	CacheLen         int64
	OldestIndex      int64
	NewestIndex      int64
	TailingConsumers int
}

// Stats returns a snapshot of the store's current state.
func (s *Store) Stats() Stats {
	st := Stats{TailingConsumers: s.tailing.len()}
	if o := s.chain.Oldest(); o != nil {
		st.OldestIndex = o.index
	}
	if n := s.chain.Newest(); n != nil {
		st.NewestIndex = n.index
	}
	st.CacheLen = s.chain.Len()
	return st
}

// Close shuts down the producer and cleaner and closes every still-open
// tailing consumer. Idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closeCh)
	s.cancel()

	consumers := s.tailing.snapshot()
	var result *multierror.Error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.producerStarted.Load() {
		s.producer.close()
		s.producerWG.Wait()
	}

	// Wake any NextAvailable parked on the shared cache so it observes the
	// close instead of waiting for an append that will never come.
	s.producer.consumerSig.broadcast()

	s.logger.Debug("store closed", "consumers_closed", len(consumers))
	return result.ErrorOrNil()
}
