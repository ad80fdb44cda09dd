/*
Package localstore is an embeddable, single process coordination store which honours the coord.Client contract:
sessions, ephemeral and sequential nodes, node versions and one-shot watches.

The store is useful wherever a ZooKeeper ensemble is overkill or unavailable; tests, demos and single host
deployments where several candidates share a process. Sessions can be disconnected, reconnected and expired at will
(Session.Disconnect, Session.Reconnect and Session.Expire), which makes it straightforward to exercise the
behaviour of an application under the failures a real ensemble produces.

A store created with New lives in memory only. A store created with Open also persists persistent nodes and
sequence counters to a bbolt file so that they survive a restart. Ephemeral nodes are never persisted; they die
with their session, and sessions do not survive the process.
*/
package localstore

import (
	"github.com/ccassar/elector/coord"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"sort"
	"sync"
)

type node struct {
	data     []byte
	version  int32
	cversion int32
	// owner is the session id of the owning session for ephemeral nodes, zero otherwise.
	owner    int64
	children map[string]struct{}
}

func newNode(data []byte, owner int64) *node {
	return &node{data: append([]byte(nil), data...), owner: owner, children: map[string]struct{}{}}
}

func (n *node) stat() coord.Stat {
	return coord.Stat{
		Version:        n.version,
		CVersion:       n.cversion,
		EphemeralOwner: n.owner,
		DataLength:     int32(len(n.data)),
		NumChildren:    int32(len(n.children)),
	}
}

// watchSet tracks one-shot watches, per path, per session.
type watchSet map[string]map[int64]struct{}

func (ws watchSet) add(path string, session int64) {
	sessions, ok := ws[path]
	if !ok {
		sessions = map[int64]struct{}{}
		ws[path] = sessions
	}
	sessions[session] = struct{}{}
}

// take removes and returns the sessions watching path.
func (ws watchSet) take(path string) map[int64]struct{} {
	sessions := ws[path]
	delete(ws, path)
	return sessions
}

// dropSession removes every watch held by session, returning the paths involved.
func (ws watchSet) dropSession(session int64) []string {
	var paths []string
	for path, sessions := range ws {
		if _, ok := sessions[session]; ok {
			delete(sessions, session)
			paths = append(paths, path)
			if len(sessions) == 0 {
				delete(ws, path)
			}
		}
	}
	return paths
}

// Store is the coordination store shared by all the sessions connected to it. All methods are safe for concurrent
// use.
type Store struct {
	mu sync.Mutex
	// nodes indexed by full path. The root always exists.
	nodes map[string]*node
	// sequences holds the next sequence number handed out to sequential children, per parent path.
	sequences map[string]int32
	sessions  map[int64]*Session
	// lastSessionID is bumped for every session; session ids are never reused.
	lastSessionID int64

	dataWatches  watchSet
	childWatches watchSet

	db     *bolt.DB
	closed bool
	logger *zap.SugaredLogger
}

// New returns an in memory store. A nil logger disables logging.
func New(logger *zap.SugaredLogger) *Store {

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Store{
		nodes:        map[string]*node{coord.PathSeparator: newNode(nil, 0)},
		sequences:    map[string]int32{},
		sessions:     map[int64]*Session{},
		dataWatches:  watchSet{},
		childWatches: watchSet{},
		logger:       logger.Named("localstore"),
	}

	return s
}

func (s *Store) logKV() []interface{} {
	return []interface{}{"nodes", len(s.nodes), "sessions", len(s.sessions), "persistent", s.db != nil}
}

// nopWatcher discards notifications.
type nopWatcher struct{}

func (nopWatcher) OnConnected()             {}
func (nopWatcher) OnConnecting()            {}
func (nopWatcher) OnSessionExpired()        {}
func (nopWatcher) OnCreated(string)         {}
func (nopWatcher) OnDeleted(string)         {}
func (nopWatcher) OnChanged(string)         {}
func (nopWatcher) OnChildrenChanged(string) {}
func (nopWatcher) OnWatchRemoved(string)    {}

// Connect establishes a new session with the store, and registers w as the watcher for the session. The session
// starts out connected, and OnConnected is the first notification delivered to w. A nil w discards notifications.
func (s *Store) Connect(w coord.Watcher) *Session {

	if w == nil {
		w = nopWatcher{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSessionID++
	session := &Session{
		store:    s,
		id:       s.lastSessionID,
		state:    coord.StateConnected,
		delivery: newDelivery(),
	}

	if s.closed {
		session.state = coord.StateClosed
		session.delivery.abort()
	} else {
		s.sessions[session.id] = session
		session.delivery.push(func(w coord.Watcher) { w.OnConnected() })
	}

	go session.delivery.run(w)

	s.logger.Debugw("session connected", append(s.logKV(), session.logKV()...)...)

	return session
}

// Factory returns a coord.Factory which connects a new session to this store every time it is invoked.
func (s *Store) Factory() coord.Factory {
	return func(w coord.Watcher) (coord.Client, error) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, coord.Errorf(coord.ErrClosed, "local store closed")
		}
		return s.Connect(w), nil
	}
}

// Close closes every session still connected, and the backing database if any. Sessions connected after Close
// start out closed.
func (s *Store) Close() error {

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		if err != nil {
			err = coord.Errorf(err, "local store, closing bbolt DB failed")
			s.logger.Errorw("closing store", append(s.logKV(), "err", err)...)
			return err
		}
	}

	s.logger.Debugw("store closed", s.logKV()...)
	return nil
}

// fire runs the notification for every session in sessions. Called with mu held.
func (s *Store) fire(sessions map[int64]struct{}, n notification) {
	ids := make([]int64, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if session, ok := s.sessions[id]; ok {
			session.enqueue(n)
		}
	}
}

// create adds a node. Called with mu held, and returns the path assigned.
func (s *Store) create(owner *Session, path string, data []byte, flags coord.Flags) (string, error) {

	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}
	if path == coord.PathSeparator {
		return "", coord.Errorf(coord.ErrNodeExists, "create %s", path)
	}

	parentPath := coord.Parent(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", coord.Errorf(coord.ErrNoNode, "create %s, parent %s missing", path, parentPath)
	}
	if parent.owner != 0 {
		return "", coord.Errorf(coord.ErrBadArguments, "create %s, parent %s is ephemeral", path, parentPath)
	}

	nextSequence := s.sequences[parentPath]
	if flags.Sequential() {
		path = coord.FormatSequential(path, nextSequence)
		nextSequence++
	}

	if _, exists := s.nodes[path]; exists {
		return "", coord.Errorf(coord.ErrNodeExists, "create %s", path)
	}

	var ownerID int64
	if flags.Ephemeral() {
		ownerID = owner.id
	}
	n := newNode(data, ownerID)

	if s.db != nil && (!flags.Ephemeral() || flags.Sequential()) {
		err := s.persistCreate(parentPath, nextSequence, flags.Sequential(), path, n)
		if err != nil {
			return "", err
		}
	}

	s.sequences[parentPath] = nextSequence
	s.nodes[path] = n
	parent.children[coord.Base(path)] = struct{}{}
	parent.cversion++

	created := path
	s.fire(s.dataWatches.take(path), func(w coord.Watcher) { w.OnCreated(created) })
	s.fire(s.childWatches.take(parentPath), func(w coord.Watcher) { w.OnChildrenChanged(parentPath) })

	return path, nil
}

// remove deletes a node. Called with mu held.
func (s *Store) remove(path string) error {

	if err := coord.ValidatePath(path); err != nil {
		return err
	}
	if path == coord.PathSeparator {
		return coord.Errorf(coord.ErrBadArguments, "delete %s", path)
	}

	n, ok := s.nodes[path]
	if !ok {
		return coord.Errorf(coord.ErrNoNode, "delete %s", path)
	}
	if len(n.children) > 0 {
		return coord.Errorf(coord.ErrNotEmpty, "delete %s", path)
	}

	if s.db != nil && n.owner == 0 {
		if err := s.persistDelete(path); err != nil {
			return err
		}
	}

	parentPath := coord.Parent(path)
	parent := s.nodes[parentPath]
	delete(s.nodes, path)
	delete(s.sequences, path)
	delete(parent.children, coord.Base(path))
	parent.cversion++

	// A session watching both the node and its children is told once.
	watching := s.dataWatches.take(path)
	for id := range s.childWatches.take(path) {
		if watching == nil {
			watching = map[int64]struct{}{}
		}
		watching[id] = struct{}{}
	}
	s.fire(watching, func(w coord.Watcher) { w.OnDeleted(path) })
	s.fire(s.childWatches.take(parentPath), func(w coord.Watcher) { w.OnChildrenChanged(parentPath) })

	return nil
}

// set updates node data, failing with ErrBadVersion unless version matches. Called with mu held.
func (s *Store) set(path string, data []byte, version int32) error {

	if err := coord.ValidatePath(path); err != nil {
		return err
	}

	n, ok := s.nodes[path]
	if !ok {
		return coord.Errorf(coord.ErrNoNode, "set %s", path)
	}
	if n.version != version {
		return coord.Errorf(coord.ErrBadVersion, "set %s, expected version %d, found %d", path, version, n.version)
	}

	data = append([]byte(nil), data...)
	if s.db != nil && n.owner == 0 {
		if err := s.persistNode(path, version+1, data); err != nil {
			return err
		}
	}

	n.data = data
	n.version++

	s.fire(s.dataWatches.take(path), func(w coord.Watcher) { w.OnChanged(path) })
	return nil
}

// removeEphemerals deletes every ephemeral node owned by session. Called with mu held.
func (s *Store) removeEphemerals(session int64) {

	var owned []string
	for path, n := range s.nodes {
		if n.owner == session {
			owned = append(owned, path)
		}
	}
	sort.Strings(owned)

	for _, path := range owned {
		// Ephemeral nodes have no children, and are never persisted.
		if err := s.remove(path); err != nil {
			s.logger.Errorw("removing ephemeral node failed", append(s.logKV(), "path", path, "err", err)...)
		}
	}
}
