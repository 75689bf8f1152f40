package mgmt

import (
	"fmt"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
)

// Await registers a one-shot waiter for the next event of the given code
// about addr on a controller. cb is called exactly once, with the event, or
// with an error if the waiter is cancelled, the controller is powered off
// or it goes away. The returned function cancels the waiter.
func (r *Router) Await(index uint16, code EventCode, addr bluetooth.MacAddress, cb func(Notification, error)) (func(), error) {
	c, err := r.controller(index)
	if err != nil {
		return nil, err
	}

	key := waiterKey{code, addr}
	if _, ok := c.waiters[key]; ok {
		return nil, fmt.Errorf("%s for %s: %w", code, addr, errorkinds.ErrCommandPending)
	}

	w := &waiter{cb: cb}
	c.waiters[key] = w

	cancel := func() {
		if c.waiters[key] != w {
			return
		}

		delete(c.waiters, key)
		r.finishWaiter(w, nil, fmt.Errorf("%s for %s: %w", code, addr, errorkinds.ErrMethodCanceled))
	}

	return cancel, nil
}

func (r *Router) resolveWaiter(c *Controller, key waiterKey, n Notification) {
	w, ok := c.waiters[key]
	if !ok {
		return
	}

	delete(c.waiters, key)
	r.finishWaiter(w, n, nil)
}

func (r *Router) cancelWaiters(c *Controller, reason error) {
	for key, w := range c.waiters {
		delete(c.waiters, key)
		r.finishWaiter(w, nil, reason)
	}
}

func (r *Router) finishWaiter(w *waiter, n Notification, err error) {
	if w.done {
		return
	}

	w.done = true
	r.loop.Post(func() { w.cb(n, err) })
}
