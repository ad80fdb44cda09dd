package elector

import (
	"context"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"sync"
)

// eventQueue serialises all the work done by an elector. Events are posted from any goroutine (typically the
// delivery goroutine of the coordination client, or the application calling Join/Leave), and are handled one at a
// time, in the order they were posted, on the single goroutine running the queue.
//
// Posting never blocks: the coordination client must never be held up delivering notifications. Nor is anything
// dropped while the elector runs, so the backlog is unbounded. The depth of the backlog is exported as a metric.
type eventQueue struct {
	// A one-deep channel which indicates that events may be pending.
	updatesAvailable chan struct{}
	// pendingEvents is appended to by posters and drained from the front by the runner.
	pendingEventsMu sync.Mutex
	pendingEvents   []event
	closed          bool
	// handled counts events handled, for the benefit of anyone wanting to know the queue moved on.
	handled *atomic.Int64
	metrics *metricsHolder
}

func newEventQueue(metrics *metricsHolder) *eventQueue {
	return &eventQueue{
		updatesAvailable: make(chan struct{}, 1),
		handled:          atomic.NewInt64(0),
		metrics:          metrics,
	}
}

func (q *eventQueue) notify() {
	select {
	case q.updatesAvailable <- struct{}{}:
	default:
	}
}

// post queues an event, failing with ElectorErrorShutdown once the queue has stopped running.
func (q *eventQueue) post(e event) error {

	q.pendingEventsMu.Lock()
	if q.closed {
		q.pendingEventsMu.Unlock()
		return electorErrorf(ElectorErrorShutdown, "event refused")
	}
	q.pendingEvents = append(q.pendingEvents, e)
	depth := len(q.pendingEvents)
	q.pendingEventsMu.Unlock()

	q.metrics.queueDepth(depth)
	q.notify()

	return nil
}

// next pops the event at the head of the queue, nil if none is pending.
func (q *eventQueue) next() event {
	q.pendingEventsMu.Lock()
	defer q.pendingEventsMu.Unlock()

	if len(q.pendingEvents) == 0 {
		return nil
	}
	e := q.pendingEvents[0]
	q.pendingEvents[0] = nil
	q.pendingEvents = q.pendingEvents[1:]
	q.metrics.queueDepth(len(q.pendingEvents))

	return e
}

// close refuses any further posts, and discards whatever is still pending. Returns the number discarded.
func (q *eventQueue) close() int {
	q.pendingEventsMu.Lock()
	defer q.pendingEventsMu.Unlock()

	q.closed = true
	discarded := len(q.pendingEvents)
	q.pendingEvents = nil
	q.metrics.queueDepth(0)

	return discarded
}

// run handles events until ctx is cancelled. Once cancelled, the queue is closed and onExit is called; onExit is
// the last thing to run on the queue goroutine.
func (q *eventQueue) run(ctx context.Context, wg *sync.WaitGroup, lg *zap.SugaredLogger, onExit func()) {

	defer wg.Done()

	lg.Debug("eventQueue, start running")

outerLoop:
	for {
		select {
		case <-q.updatesAvailable:
			for {
				if ctx.Err() != nil {
					break outerLoop
				}
				e := q.next()
				if e == nil {
					// wait for next notification
					break
				}
				e.handle(ctx)
				q.handled.Inc()
			}

		case <-ctx.Done():
			break outerLoop
		}
	}

	discarded := q.close()
	lg.Debugw("eventQueue, received shutdown", "discarded", discarded, "handled", q.handled.Load())

	if onExit != nil {
		onExit()
	}

	lg.Debug("eventQueue, stop running")
}
