/*

Package coord describes the contract between the elector and a hierarchical, session based coordination store
(ZooKeeper style). The elector never talks to a store directly; it consumes a Client, and is notified of session
transitions and watch firings through the Watcher it registers when the Client is created.

Two implementations are provided in sub packages: zkstore, which adapts a ZooKeeper ensemble, and localstore, an
embeddable single process store used for tests, demos and single host deployments.

*/
package coord

// Flags control the kind of node created by Create and CreateIfNotExists.
type Flags int32

const (
	// FlagEphemeral nodes live only as long as the session which created them.
	FlagEphemeral Flags = 1 << iota
	// FlagSequential nodes have a monotonically increasing, zero padded counter appended to their name by the
	// store at creation time.
	FlagSequential
)

// Ephemeral reports whether the ephemeral flag is set.
func (f Flags) Ephemeral() bool { return f&FlagEphemeral != 0 }

// Sequential reports whether the sequential flag is set.
func (f Flags) Sequential() bool { return f&FlagSequential != 0 }

// SessionState describes the liveness of the session between a client and the store.
type SessionState int

const (
	// StateConnecting covers both the initial connection attempt and a reconnect in progress after the connection
	// was lost. The session, and any ephemeral nodes it owns, may still be alive on the server side.
	StateConnecting SessionState = iota
	// StateConnected means the session is established and requests can be served.
	StateConnected
	// StateExpired means the store has given up on the session. All ephemeral nodes created in the session are
	// gone, and the client will never recover; it must be replaced.
	StateExpired
	// StateClosed means the client has been closed locally.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	}
	return "illegal"
}

// Stat carries node metadata.
type Stat struct {
	// Version of the node data, bumped on every Set.
	Version int32
	// CVersion counts changes to the children of the node.
	CVersion int32
	// EphemeralOwner is the session which owns the node if the node is ephemeral, zero otherwise.
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
}

// Client is the set of coordination store primitives the elector depends on. A Client is bound to a single
// session. Operations are short synchronous requests.
//
// Watches are one-shot: a watch registered by Exists, Get or Children fires at most once, and must be registered
// again to observe subsequent changes. Children and the watch it registers are handled in a single request, so no
// change can slip in between reading the children and the watch becoming active.
type Client interface {
	// State returns the current session state.
	State() SessionState
	// EnsurePath creates every missing segment of path, including path itself. Segments which already exist are
	// left untouched.
	EnsurePath(path string) error
	// Create creates a node and returns the path actually assigned, which differs from path for sequential nodes.
	// Fails with ErrNoNode if the parent is missing, and ErrNodeExists if path is already taken.
	Create(path string, data []byte, flags Flags) (string, error)
	// CreateIfNotExists behaves like Create but treats ErrNodeExists as success. It may not be combined with
	// FlagSequential.
	CreateIfNotExists(path string, data []byte, flags Flags) (string, error)
	// Delete removes a node. Fails with ErrNoNode if the node is absent, and ErrNotEmpty if it has children.
	Delete(path string) error
	// DeleteIfExists is Delete without the ErrNoNode failure.
	DeleteIfExists(path string) error
	// Exists reports whether the node exists. With watch set, a watch is registered which fires on creation,
	// deletion or change of the node.
	Exists(path string, watch bool) (bool, error)
	// Stat returns node metadata, or ErrNoNode.
	Stat(path string) (Stat, error)
	// Get returns node data. With watch set, a watch is registered which fires on change or deletion.
	Get(path string, watch bool) ([]byte, error)
	// Set overwrites node data, conditional on the version read just beforehand (optimistic).
	Set(path string, data []byte) error
	// Children returns the names (not full paths) of the children of path, sorted. With watch set, a watch is
	// registered which fires when children are added or removed.
	Children(path string, watch bool) ([]string, error)
	// Close releases the session. Ephemeral nodes owned by the session are removed by the store.
	Close()
}

// Watcher receives session transitions and watch notifications for a Client. Callbacks are invoked on a
// delivery goroutine owned by the client, one at a time and in order; implementations must not block in them.
type Watcher interface {
	OnConnected()
	// OnConnecting signals a lost connection and a reconnect in progress.
	OnConnecting()
	OnSessionExpired()

	OnCreated(path string)
	OnDeleted(path string)
	OnChanged(path string)
	OnChildrenChanged(path string)
	// OnWatchRemoved signals that a registered watch will never fire (e.g. the session expired).
	OnWatchRemoved(path string)
}

// Factory creates a new client bound to a fresh session, with w registered as the session watcher.
type Factory func(w Watcher) (Client, error)
