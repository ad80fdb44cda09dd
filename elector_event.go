package elector

import (
	"context"
)

// Every event carries all the context necessary to dispose of it. Events are only ever handled on the queue
// goroutine (see eventQueue), so handlers have exclusive access to the elector's engine state.
type event interface {
	handle(ctx context.Context)
	// Used to generate consistent k/v for logging.
	logKV() []interface{}
}

// membershipEvent records the membership requested by the application through Join and Leave, and refreshes.
type membershipEvent struct {
	elector *Elector
	join    bool
}

func (ev *membershipEvent) handle(ctx context.Context) {
	e := ev.elector
	if e.joined != ev.join {
		e.joined = ev.join
		e.logger.Infow("membership changed", append(e.engineKV(), ev.logKV()...)...)
	}
	e.refresh()
}

func (ev *membershipEvent) logKV() []interface{} {
	return []interface{}{"event", "membership", "join", ev.join}
}

// refreshEvent reevaluates the elector state against the session state.
type refreshEvent struct {
	elector *Elector
	reason  string
}

func (ev *refreshEvent) handle(ctx context.Context) {
	ev.elector.refresh()
}

func (ev *refreshEvent) logKV() []interface{} {
	return []interface{}{"event", "refresh", "reason", ev.reason}
}

// electionChangedEvent is posted by the elector to itself, once its candidate node is in place.
type electionChangedEvent struct {
	elector *Elector
}

func (ev *electionChangedEvent) handle(ctx context.Context) {
	ev.elector.onElectionChanged()
}

func (ev *electionChangedEvent) logKV() []interface{} {
	return []interface{}{"event", "electionChanged"}
}

type notificationKind int

const (
	notifyConnected notificationKind = iota
	notifyConnecting
	notifySessionExpired
	notifyCreated
	notifyDeleted
	notifyChanged
	notifyChildrenChanged
	notifyWatchRemoved
)

func (k notificationKind) String() string {
	switch k {
	case notifyConnected:
		return "connected"
	case notifyConnecting:
		return "connecting"
	case notifySessionExpired:
		return "sessionExpired"
	case notifyCreated:
		return "created"
	case notifyDeleted:
		return "deleted"
	case notifyChanged:
		return "changed"
	case notifyChildrenChanged:
		return "childrenChanged"
	case notifyWatchRemoved:
		return "watchRemoved"
	}
	return "illegal"
}

// notificationEvent carries a session transition or watch firing from the coordination client, tagged with the
// generation of the client which produced it.
type notificationEvent struct {
	elector    *Elector
	kind       notificationKind
	path       string
	generation uint64
}

func (ev *notificationEvent) handle(ctx context.Context) {

	e := ev.elector
	if ev.generation != e.generation {
		e.logger.Debugw("notification from discarded client, ignored", append(e.engineKV(), ev.logKV()...)...)
		return
	}

	switch ev.kind {
	case notifyConnected, notifyConnecting, notifySessionExpired:
		e.logger.Debugw("session notification", append(e.engineKV(), ev.logKV()...)...)
		e.refresh()

	case notifyChildrenChanged:
		if ev.path == e.config.ElectionPath {
			e.onElectionChanged()
			return
		}
		fallthrough

	default:
		e.logger.Debugw("notification, nothing to do", append(e.engineKV(), ev.logKV()...)...)
	}
}

func (ev *notificationEvent) logKV() []interface{} {
	return []interface{}{"event", "notification", "kind", ev.kind.String(), "path", ev.path,
		"clientGeneration", ev.generation}
}

// electorWatcher is the coord.Watcher registered with each client the elector creates. It does nothing but post
// notifications to the queue; it never blocks the client.
type electorWatcher struct {
	elector    *Elector
	generation uint64
}

func (w *electorWatcher) post(kind notificationKind, path string) {
	err := w.elector.queue.post(
		&notificationEvent{elector: w.elector, kind: kind, path: path, generation: w.generation})
	if err != nil {
		w.elector.logger.Debugw("notification dropped, elector shut down",
			"kind", kind.String(), "path", path, "clientGeneration", w.generation)
	}
}

func (w *electorWatcher) OnConnected()                  { w.post(notifyConnected, "") }
func (w *electorWatcher) OnConnecting()                 { w.post(notifyConnecting, "") }
func (w *electorWatcher) OnSessionExpired()             { w.post(notifySessionExpired, "") }
func (w *electorWatcher) OnCreated(path string)         { w.post(notifyCreated, path) }
func (w *electorWatcher) OnDeleted(path string)         { w.post(notifyDeleted, path) }
func (w *electorWatcher) OnChanged(path string)         { w.post(notifyChanged, path) }
func (w *electorWatcher) OnChildrenChanged(path string) { w.post(notifyChildrenChanged, path) }
func (w *electorWatcher) OnWatchRemoved(path string)    { w.post(notifyWatchRemoved, path) }
