package tailstore

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// chain is the singly-linked cache of the most recent events, rooted at
// oldest and tipped at newest. It is single-writer (the producer owns
// appends and trims; the cleaner only reads oldest) and multi-reader
// (every consumer walks it lock-free). It retains a fixed
// node count rather than a time-to-live window.
type chain struct {
	mu sync.Mutex // guards oldest/newest swaps so trim and append never race each other

	oldest atomic.Pointer[Node]
	newest atomic.Pointer[Node]

	capacity int64
	monitor  Monitor

	// index is a bounded fast-path lookup from token to node, sized to
	// capacity. It is an optimization only: a miss (including after the
	// LRU itself evicts an entry that is still logically present in the
	// chain) falls back to a linear walk from oldest. The chain, not the
	// index, is the source of truth.
	index *lru.Cache[Token, *Node]
}

func newChain(capacity int64, monitor Monitor) *chain {
	if capacity <= 0 {
		capacity = 1
	}
	idx, err := lru.New[Token, *Node](int(capacity))
	if err != nil {
		// Only returns an error for a non-positive size, which we've
		// already guarded against above.
		panic(err)
	}
	return &chain{capacity: capacity, monitor: monitor, index: idx}
}

// Oldest returns the current oldest retained node, or nil if nothing has
// ever been cached.
func (c *chain) Oldest() *Node { return c.oldest.Load() }

// Newest returns the current tip of the chain, or nil if nothing has ever
// been cached.
func (c *chain) Newest() *Node { return c.newest.Load() }

// Len reports how many nodes are currently reachable from oldest.
func (c *chain) Len() int64 {
	o, n := c.oldest.Load(), c.newest.Load()
	if o == nil || n == nil {
		return 0
	}
	return n.index - o.index + 1
}

// appendNode links node onto the tip of the chain, publishing its
// predecessor's forward link. It does not trim; call trim separately once
// consumers have had a chance to be signalled, so a slow reader gets a
// window to grab the node before it can be evicted. Must only be called
// by the producer; concurrent appends are not supported.
func (c *chain) appendNode(node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.newest.Load()
	c.newest.Store(node)
	if prev == nil {
		c.oldest.Store(node)
	} else {
		prev.setNext(node)
	}
	c.index.Add(node.Token(), node)
	c.monitor.CacheLen(int(c.Len()))
}

// trim advances oldest forward along next links until the chain is back
// within capacity. Evicting oldest only drops the chain's own reference;
// a tailing consumer still holding the evicted node via lastNode is
// caught by isCurrentlyTailing or reaped by the cleaner.
func (c *chain) trim() {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for {
		o, n := c.oldest.Load(), c.newest.Load()
		if o == nil || n == nil {
			return
		}
		if n.index-o.index < c.capacity {
			break
		}
		next := o.Next()
		if next == nil {
			// Shouldn't happen: newest-oldest >= capacity implies a
			// successor exists. Bail rather than spin.
			break
		}
		c.oldest.Store(next)
		evicted++
	}
	if evicted > 0 {
		c.monitor.TrimEvicted(evicted)
	}
}

// findNode locates the node carrying token t. Returns nil if t is nil,
// the chain is empty, or t has already fallen out of the retained window
// (oldest's token is after t). Otherwise walks from oldest following next
// until a match is found.
func (c *chain) findNode(t Token) *Node {
	if t == nil {
		return nil
	}
	o := c.oldest.Load()
	if o == nil {
		return nil
	}
	if o.Token().IsAfter(t) {
		return nil
	}
	if cached, ok := c.index.Get(t); ok {
		return cached
	}
	for node := o; node != nil; node = node.Next() {
		if tokenEqual(node.Token(), t) {
			return node
		}
	}
	return nil
}

// findSuccessorOf walks from oldest searching for a node whose
// previousToken equals t. Used when a consumer has a lastToken but no
// lastNode yet (it just joined the tail). Returns nil if none is found.
func (c *chain) findSuccessorOf(t Token) *Node {
	o := c.oldest.Load()
	for node := o; node != nil; node = node.Next() {
		if tokenEqual(node.previousToken, t) {
			return node
		}
	}
	return nil
}
