package localstore

import (
	"github.com/ccassar/elector/coord"
	"sync"
)

// notification is a watcher callback waiting to be delivered.
type notification func(w coord.Watcher)

// delivery hands notifications to a session watcher on a goroutine owned by the session. Producers (any session
// mutating the store) never block; notifications are queued in order and delivered one at a time. Nothing here is
// ever discarded while the session is live, so there is no bound on the backlog.
type delivery struct {
	mu      sync.Mutex
	pending []notification
	// finishing is set once the session reached a terminal state. The goroutine exits once pending is drained.
	finishing bool
	// A one-deep channel which indicates pending may have grown.
	updatesAvailable chan struct{}
	done             chan struct{}
}

func newDelivery() *delivery {
	return &delivery{
		updatesAvailable: make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
}

func (d *delivery) notify() {
	select {
	case d.updatesAvailable <- struct{}{}:
	default:
	}
}

// push queues n for delivery, and reports false if delivery has been wound down.
func (d *delivery) push(n notification) bool {
	d.mu.Lock()
	if d.finishing {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, n)
	d.mu.Unlock()

	d.notify()
	return true
}

// finish stops accepting notifications; what is already queued is still delivered.
func (d *delivery) finish() {
	d.mu.Lock()
	d.finishing = true
	d.mu.Unlock()
	d.notify()
}

// abort stops accepting notifications and drops anything not delivered yet.
func (d *delivery) abort() {
	d.mu.Lock()
	d.finishing = true
	d.pending = nil
	d.mu.Unlock()
	d.notify()
}

func (d *delivery) run(w coord.Watcher) {

	defer close(d.done)

	for range d.updatesAvailable {
		for {
			var next notification
			d.mu.Lock()
			if len(d.pending) > 0 {
				next = d.pending[0]
				d.pending[0] = nil
				d.pending = d.pending[1:]
			}
			finished := next == nil && d.finishing
			d.mu.Unlock()

			if finished {
				return
			}
			if next == nil {
				// wait for next notification
				break
			}
			next(w)
		}
	}
}
