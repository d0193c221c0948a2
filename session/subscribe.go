package session

import "sync"

// Subscription receives session snapshots on C. C holds at most one pending
// snapshot: a slow reader skips intermediate states but always ends on the
// newest one, in commit order. C is closed by Close.
type Subscription struct {
	C <-chan State

	ch         chan State
	controller *Controller
	closeOnce  sync.Once
}

// Subscribe registers a subscriber. The current state is delivered
// immediately.
func (c *Controller) Subscribe() *Subscription {
	ch := make(chan State, 1)
	sub := &Subscription{C: ch, ch: ch, controller: c}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	c.subs[sub] = struct{}{}
	sub.deliver(c.snapshot())
	return sub
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.controller.commitMu.Lock()
		defer s.controller.commitMu.Unlock()
		delete(s.controller.subs, s)
		close(s.ch)
	})
}

// deliver replaces any pending snapshot with st. Callers hold commitMu, which
// makes it the only sender, so the send after the drain never blocks.
func (s *Subscription) deliver(st State) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- st
}
