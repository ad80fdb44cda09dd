package localstore

import (
	"github.com/ccassar/elector/coord"
	"sort"
)

// Session is a client session with a Store, and implements coord.Client. Ephemeral nodes created through the
// session are owned by it.
type Session struct {
	store *Store
	id    int64
	// state is protected by store.mu.
	state coord.SessionState
	// deferred holds node notifications raised while the session is disconnected. They are delivered once the
	// session reconnects, and dropped if it expires instead.
	deferred []notification
	delivery *delivery
}

func (s *Session) logKV() []interface{} {
	return []interface{}{"session", s.id, "sessionState", s.state}
}

// ID returns the session id, which is also the EphemeralOwner reported for the nodes the session owns.
func (s *Session) ID() int64 {
	return s.id
}

// enqueue queues a node notification. Called with store.mu held.
func (s *Session) enqueue(n notification) {
	switch s.state {
	case coord.StateConnected:
		s.delivery.push(n)
	case coord.StateConnecting:
		s.deferred = append(s.deferred, n)
	}
}

// usable checks that requests can be served. Called with store.mu held.
func (s *Session) usable(op, path string) error {
	switch s.state {
	case coord.StateConnected:
		return nil
	case coord.StateConnecting:
		return coord.Errorf(coord.ErrConnectionLoss, "%s %s, session %d", op, path, s.id)
	case coord.StateExpired:
		return coord.Errorf(coord.ErrSessionExpired, "%s %s, session %d", op, path, s.id)
	}
	return coord.Errorf(coord.ErrClosed, "%s %s, session %d", op, path, s.id)
}

// State returns the current session state.
func (s *Session) State() coord.SessionState {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.state
}

// EnsurePath creates path and all its ancestors as needed.
func (s *Session) EnsurePath(path string) error {
	return coord.EnsurePath(s, path)
}

// Create creates a node, returning the path assigned.
func (s *Session) Create(path string, data []byte, flags coord.Flags) (string, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("create", path); err != nil {
		return "", err
	}
	return s.store.create(s, path, data, flags)
}

// CreateIfNotExists creates a node unless it is already present.
func (s *Session) CreateIfNotExists(path string, data []byte, flags coord.Flags) (string, error) {
	if flags.Sequential() {
		return "", coord.Errorf(coord.ErrBadArguments, "create if not exists %s, sequential flag", path)
	}
	created, err := s.Create(path, data, flags)
	if coord.IsNodeExists(err) {
		return path, nil
	}
	return created, err
}

// Delete removes a node.
func (s *Session) Delete(path string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("delete", path); err != nil {
		return err
	}
	return s.store.remove(path)
}

// DeleteIfExists removes a node if present.
func (s *Session) DeleteIfExists(path string) error {
	err := s.Delete(path)
	if coord.IsNoNode(err) {
		return nil
	}
	return err
}

// Exists reports whether a node exists, optionally watching it for creation, change or deletion.
func (s *Session) Exists(path string, watch bool) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("exists", path); err != nil {
		return false, err
	}
	if err := coord.ValidatePath(path); err != nil {
		return false, err
	}

	_, ok := s.store.nodes[path]
	if watch {
		s.store.dataWatches.add(path, s.id)
	}
	return ok, nil
}

// Stat returns node metadata.
func (s *Session) Stat(path string) (coord.Stat, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("stat", path); err != nil {
		return coord.Stat{}, err
	}
	n, ok := s.store.nodes[path]
	if !ok {
		return coord.Stat{}, coord.Errorf(coord.ErrNoNode, "stat %s", path)
	}
	return n.stat(), nil
}

// Get returns node data, optionally watching the node for change or deletion.
func (s *Session) Get(path string, watch bool) ([]byte, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("get", path); err != nil {
		return nil, err
	}
	n, ok := s.store.nodes[path]
	if !ok {
		return nil, coord.Errorf(coord.ErrNoNode, "get %s", path)
	}
	if watch {
		s.store.dataWatches.add(path, s.id)
	}
	return append([]byte(nil), n.data...), nil
}

// Set overwrites node data. The update is conditional on the version current when the request is served.
func (s *Session) Set(path string, data []byte) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("set", path); err != nil {
		return err
	}
	n, ok := s.store.nodes[path]
	if !ok {
		return coord.Errorf(coord.ErrNoNode, "set %s", path)
	}
	return s.store.set(path, data, n.version)
}

// SetVersion overwrites node data only if the node is at version.
func (s *Session) SetVersion(path string, data []byte, version int32) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("set", path); err != nil {
		return err
	}
	return s.store.set(path, data, version)
}

// Children returns the sorted names of the children of path, optionally watching for children added or removed.
func (s *Session) Children(path string, watch bool) ([]string, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if err := s.usable("children", path); err != nil {
		return nil, err
	}
	n, ok := s.store.nodes[path]
	if !ok {
		return nil, coord.Errorf(coord.ErrNoNode, "children %s", path)
	}

	children := make([]string, 0, len(n.children))
	for child := range n.children {
		children = append(children, child)
	}
	sort.Strings(children)

	if watch {
		s.store.childWatches.add(path, s.id)
	}
	return children, nil
}

// Disconnect simulates the loss of the connection to the store. The session, its ephemeral nodes and its watches
// survive; requests fail with ErrConnectionLoss until Reconnect. The watcher is told through OnConnecting.
func (s *Session) Disconnect() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.state != coord.StateConnected {
		return
	}
	s.state = coord.StateConnecting
	s.delivery.push(func(w coord.Watcher) { w.OnConnecting() })

	s.store.logger.Debugw("session disconnected", s.logKV()...)
}

// Reconnect restores a disconnected session. OnConnected is delivered, followed by any watch notifications raised
// while disconnected.
func (s *Session) Reconnect() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.state != coord.StateConnecting {
		return
	}
	s.state = coord.StateConnected
	s.delivery.push(func(w coord.Watcher) { w.OnConnected() })
	for _, n := range s.deferred {
		s.delivery.push(n)
	}
	s.deferred = nil

	s.store.logger.Debugw("session reconnected", s.logKV()...)
}

// Expire simulates the store giving up on the session: its ephemeral nodes are deleted, its watches are removed
// (OnWatchRemoved for each) and OnSessionExpired is delivered last. The session is unusable from then on.
func (s *Session) Expire() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.state == coord.StateExpired || s.state == coord.StateClosed {
		return
	}

	s.terminate(coord.StateExpired)

	s.deferred = nil
	paths := append(s.store.dataWatches.dropSession(s.id), s.store.childWatches.dropSession(s.id)...)
	sort.Strings(paths)
	for i, path := range paths {
		if i > 0 && paths[i-1] == path {
			continue
		}
		removed := path
		s.delivery.push(func(w coord.Watcher) { w.OnWatchRemoved(removed) })
	}
	s.delivery.push(func(w coord.Watcher) { w.OnSessionExpired() })
	s.delivery.finish()

	s.store.logger.Debugw("session expired", append(s.store.logKV(), s.logKV()...)...)
}

// Close ends the session. Ephemeral nodes are deleted, and no further notifications are delivered.
func (s *Session) Close() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.state == coord.StateClosed {
		return
	}

	if s.state != coord.StateExpired {
		s.terminate(coord.StateClosed)
		s.store.dataWatches.dropSession(s.id)
		s.store.childWatches.dropSession(s.id)
		s.deferred = nil
	}
	s.state = coord.StateClosed
	s.delivery.abort()

	s.store.logger.Debugw("session closed", append(s.store.logKV(), s.logKV()...)...)
}

// terminate removes the session from the store along with its ephemeral nodes. Called with store.mu held.
func (s *Session) terminate(state coord.SessionState) {
	// Leave the store first, so the session is not notified of its own ephemerals going away.
	delete(s.store.sessions, s.id)
	s.state = state
	s.store.removeEphemerals(s.id)
}
