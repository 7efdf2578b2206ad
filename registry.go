package tailstore

import "sync/atomic"

// tailingSet is the "believed to be at or near the tail" membership set.
// It is copy-on-write: add/remove build a new slice and swap it in
// atomically, so the producer and cleaner can iterate a lock-free
// snapshot while consumers join and leave concurrently. Membership here
// is advisory only: the authoritative check also verifies the consumer
// hasn't fallen behind oldest (Consumer.isCurrentlyTailing).
type tailingSet struct {
	members atomic.Pointer[[]*Consumer]
}

func newTailingSet() *tailingSet {
	s := &tailingSet{}
	empty := make([]*Consumer, 0)
	s.members.Store(&empty)
	return s
}

func (s *tailingSet) add(c *Consumer) {
	for {
		old := s.members.Load()
		for _, m := range *old {
			if m == c {
				return
			}
		}
		next := make([]*Consumer, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, c)
		if s.members.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *tailingSet) remove(c *Consumer) {
	for {
		old := s.members.Load()
		idx := -1
		for i, m := range *old {
			if m == c {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}
		next := make([]*Consumer, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if s.members.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *tailingSet) contains(c *Consumer) bool {
	for _, m := range *s.members.Load() {
		if m == c {
			return true
		}
	}
	return false
}

// snapshot returns the current membership slice. Callers must not mutate
// it; it is shared and replaced wholesale on every Add/Remove.
func (s *tailingSet) snapshot() []*Consumer {
	return *s.members.Load()
}

func (s *tailingSet) len() int {
	return len(*s.members.Load())
}
