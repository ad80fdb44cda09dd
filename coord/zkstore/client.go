/*
Package zkstore adapts a ZooKeeper ensemble to the coord.Client contract, using github.com/go-zookeeper/zk.

A Client is bound to a single ZooKeeper session. Once the session expires the Client reports StateExpired for good
and fails every request with coord.ErrSessionExpired; the owner is expected to close it and dial a new one (which
is exactly what a coord.Factory returned by NewFactory is for).
*/
package zkstore

import (
	"github.com/cenkalti/backoff"
	"github.com/ccassar/elector/coord"
	"github.com/go-zookeeper/zk"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"sort"
	"sync"
	"time"
)

// Config describes how to reach the ensemble.
type Config struct {
	// Servers in the ensemble, in host:port form.
	Servers []string
	// SessionTimeout requested from the ensemble. Defaults to 10s.
	SessionTimeout time.Duration
	// DialRetries bounds the number of retries (with exponential backoff) when a factory dials. Defaults to 3.
	DialRetries uint64
}

const (
	defaultSessionTimeout = time.Second * 10
	defaultDialRetries    = 3
)

func (cfg *Config) validate() error {
	if len(cfg.Servers) == 0 {
		return coord.Errorf(coord.ErrBadArguments, "no ZooKeeper servers configured")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.DialRetries == 0 {
		cfg.DialRetries = defaultDialRetries
	}
	return nil
}

// Client is a coord.Client over a ZooKeeper connection.
type Client struct {
	conn    *zk.Conn
	acl     []zk.ACL
	watcher coord.Watcher
	// state holds the coord.SessionState as seen through session events.
	state *atomic.Int32
	// watchEvents funnels the one-shot watch channels into the event loop, so that the watcher is invoked from a
	// single goroutine.
	watchEvents chan zk.Event
	done        chan struct{}
	closeOnce   sync.Once
	logger      *zap.SugaredLogger
}

// zkLogger bridges the Printf style logger of the zk package into zap.
type zkLogger struct {
	logger *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Dial connects to the ensemble, and registers w to receive session transitions and watch notifications. Dial
// returns before the session is established; OnConnected follows once it is.
func Dial(cfg Config, w coord.Watcher, logger *zap.SugaredLogger) (*Client, error) {

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("zkstore")

	if err := cfg.validate(); err != nil {
		logger.Errorw("dial ZooKeeper, bad configuration", "err", err)
		return nil, err
	}

	c := newClient(w, logger)

	conn, sessionEvents, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{logger: logger}))
	if err != nil {
		err = coord.Errorf(err, "dial ZooKeeper %v", cfg.Servers)
		logger.Errorw("dial ZooKeeper", "err", err)
		return nil, err
	}
	c.conn = conn

	logger.Debugw("dialled ZooKeeper", append(c.logKV(), "servers", cfg.Servers, "sessionTimeout", cfg.SessionTimeout)...)

	go c.run(sessionEvents)

	return c, nil
}

func newClient(w coord.Watcher, logger *zap.SugaredLogger) *Client {
	return &Client{
		acl:         zk.WorldACL(zk.PermAll),
		watcher:     w,
		state:       atomic.NewInt32(int32(coord.StateConnecting)),
		watchEvents: make(chan zk.Event),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// NewFactory returns a coord.Factory dialling the ensemble described by cfg. Dial failures are retried with
// exponential backoff.
func NewFactory(cfg Config, logger *zap.SugaredLogger) coord.Factory {
	if cfg.DialRetries == 0 {
		cfg.DialRetries = defaultDialRetries
	}
	return func(w coord.Watcher) (coord.Client, error) {
		var c *Client
		err := backoff.Retry(
			func() error {
				var err error
				c, err = Dial(cfg, w, logger)
				if coord.IsBadArguments(err) {
					return backoff.Permanent(err)
				}
				return err
			},
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.DialRetries))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *Client) logKV() []interface{} {
	var session int64
	if c.conn != nil {
		session = c.conn.SessionID()
	}
	return []interface{}{"session", session, "sessionState", c.State()}
}

func (c *Client) run(sessionEvents <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-sessionEvents:
			if !ok {
				return
			}
			c.handleSessionEvent(ev)
		case ev := <-c.watchEvents:
			c.handleWatchEvent(ev)
		case <-c.done:
			return
		}
	}
}

// handleSessionEvent tracks the session state and tells the watcher about transitions. Once the session has expired
// (or the client is closed), the state never changes again; the zk package reconnects with a brand new session
// after expiry, and we want no part of it.
//
// The zk connection also copies every watch firing onto the session channel. Those copies are dropped here; the
// firing reaches the watcher once, through the channel of the watch which was registered (see forward).
func (c *Client) handleSessionEvent(ev zk.Event) {

	if ev.Type != zk.EventSession {
		return
	}

	current := coord.SessionState(c.state.Load())
	if current == coord.StateExpired || current == coord.StateClosed {
		return
	}

	next := mapState(ev.State)
	if next == current {
		return
	}

	switch next {
	case coord.StateConnected:
		c.state.Store(int32(next))
		c.watcher.OnConnected()
	case coord.StateConnecting:
		c.state.Store(int32(next))
		c.watcher.OnConnecting()
	case coord.StateExpired:
		c.state.Store(int32(next))
		c.watcher.OnSessionExpired()
	}

	c.logger.Debugw("session event", append(c.logKV(), "zkState", ev.State.String(), "server", ev.Server)...)
}

func (c *Client) handleWatchEvent(ev zk.Event) {

	switch ev.Type {
	case zk.EventNodeCreated:
		c.watcher.OnCreated(ev.Path)
	case zk.EventNodeDeleted:
		c.watcher.OnDeleted(ev.Path)
	case zk.EventNodeDataChanged:
		c.watcher.OnChanged(ev.Path)
	case zk.EventNodeChildrenChanged:
		c.watcher.OnChildrenChanged(ev.Path)
	case zk.EventNotWatching:
		c.watcher.OnWatchRemoved(ev.Path)
	default:
		c.logger.Debugw("unexpected watch event", append(c.logKV(), "type", ev.Type.String(), "path", ev.Path)...)
	}
}

// forward hands the single event delivered on a watch channel over to the event loop.
func (c *Client) forward(watch <-chan zk.Event) {
	go func() {
		select {
		case ev, ok := <-watch:
			if !ok {
				return
			}
			select {
			case c.watchEvents <- ev:
			case <-c.done:
			}
		case <-c.done:
		}
	}()
}

// mapState reduces the zk connection states to session states. Only a session which is established counts as
// connected; a TCP connection still waiting on the session handshake does not.
func mapState(s zk.State) coord.SessionState {
	switch s {
	case zk.StateHasSession:
		return coord.StateConnected
	case zk.StateExpired:
		return coord.StateExpired
	}
	return coord.StateConnecting
}

func mapFlags(f coord.Flags) int32 {
	var flags int32
	if f.Ephemeral() {
		flags |= zk.FlagEphemeral
	}
	if f.Sequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

// mapError replaces zk errors with the coord sentinel carrying the same meaning. Anything unrecognised is wrapped
// as is.
func mapError(err error, op, path string) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch err {
	case zk.ErrNoNode:
		sentinel = coord.ErrNoNode
	case zk.ErrNodeExists:
		sentinel = coord.ErrNodeExists
	case zk.ErrNotEmpty:
		sentinel = coord.ErrNotEmpty
	case zk.ErrBadVersion:
		sentinel = coord.ErrBadVersion
	case zk.ErrConnectionClosed, zk.ErrNoServer:
		sentinel = coord.ErrConnectionLoss
	case zk.ErrSessionExpired:
		sentinel = coord.ErrSessionExpired
	case zk.ErrClosing:
		sentinel = coord.ErrClosed
	case zk.ErrInvalidPath, zk.ErrBadArguments, zk.ErrNoChildrenForEphemerals, zk.ErrInvalidFlags:
		sentinel = coord.ErrBadArguments
	default:
		return coord.Errorf(err, "%s %s", op, path)
	}

	return coord.Errorf(sentinel, "%s %s [%v]", op, path, err)
}

func mapStat(s *zk.Stat) coord.Stat {
	if s == nil {
		return coord.Stat{}
	}
	return coord.Stat{
		Version:        s.Version,
		CVersion:       s.Cversion,
		EphemeralOwner: s.EphemeralOwner,
		DataLength:     s.DataLength,
		NumChildren:    s.NumChildren,
	}
}

// usable fails fast once the session is gone for good; the zk connection would otherwise happily serve the request
// on the replacement session it establishes after expiry.
func (c *Client) usable(op, path string) error {
	switch coord.SessionState(c.state.Load()) {
	case coord.StateExpired:
		return coord.Errorf(coord.ErrSessionExpired, "%s %s", op, path)
	case coord.StateClosed:
		return coord.Errorf(coord.ErrClosed, "%s %s", op, path)
	}
	return nil
}

// SessionID returns the id of the current ZooKeeper session, zero until established.
func (c *Client) SessionID() int64 {
	return c.conn.SessionID()
}

// State returns the session state.
func (c *Client) State() coord.SessionState {
	return coord.SessionState(c.state.Load())
}

// EnsurePath creates path and all its ancestors as needed.
func (c *Client) EnsurePath(path string) error {
	return coord.EnsurePath(c, path)
}

// Create creates a node, returning the path assigned.
func (c *Client) Create(path string, data []byte, flags coord.Flags) (string, error) {
	if err := c.usable("create", path); err != nil {
		return "", err
	}
	created, err := c.conn.Create(path, data, mapFlags(flags), c.acl)
	return created, mapError(err, "create", path)
}

// CreateIfNotExists creates a node unless it is already present.
func (c *Client) CreateIfNotExists(path string, data []byte, flags coord.Flags) (string, error) {
	if flags.Sequential() {
		return "", coord.Errorf(coord.ErrBadArguments, "create if not exists %s, sequential flag", path)
	}
	created, err := c.Create(path, data, flags)
	if coord.IsNodeExists(err) {
		return path, nil
	}
	return created, err
}

// Delete removes a node, conditional on the version observed just beforehand.
func (c *Client) Delete(path string) error {
	st, err := c.Stat(path)
	if err != nil {
		return err
	}
	return mapError(c.conn.Delete(path, st.Version), "delete", path)
}

// DeleteIfExists removes a node if present.
func (c *Client) DeleteIfExists(path string) error {
	err := c.Delete(path)
	if coord.IsNoNode(err) {
		return nil
	}
	return err
}

// Exists reports whether a node exists, optionally watching it.
func (c *Client) Exists(path string, watch bool) (bool, error) {
	if err := c.usable("exists", path); err != nil {
		return false, err
	}
	if !watch {
		ok, _, err := c.conn.Exists(path)
		return ok, mapError(err, "exists", path)
	}
	ok, _, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, mapError(err, "exists", path)
	}
	c.forward(ch)
	return ok, nil
}

// Stat returns node metadata.
func (c *Client) Stat(path string) (coord.Stat, error) {
	if err := c.usable("stat", path); err != nil {
		return coord.Stat{}, err
	}
	ok, st, err := c.conn.Exists(path)
	if err != nil {
		return coord.Stat{}, mapError(err, "stat", path)
	}
	if !ok {
		return coord.Stat{}, coord.Errorf(coord.ErrNoNode, "stat %s", path)
	}
	return mapStat(st), nil
}

// Get returns node data, optionally watching the node.
func (c *Client) Get(path string, watch bool) ([]byte, error) {
	if err := c.usable("get", path); err != nil {
		return nil, err
	}
	if !watch {
		data, _, err := c.conn.Get(path)
		return data, mapError(err, "get", path)
	}
	data, _, ch, err := c.conn.GetW(path)
	if err != nil {
		return nil, mapError(err, "get", path)
	}
	c.forward(ch)
	return data, nil
}

// Set overwrites node data, conditional on the version observed just beforehand.
func (c *Client) Set(path string, data []byte) error {
	st, err := c.Stat(path)
	if err != nil {
		return err
	}
	_, err = c.conn.Set(path, data, st.Version)
	return mapError(err, "set", path)
}

// Children returns the sorted child names of path, optionally watching for children added or removed.
func (c *Client) Children(path string, watch bool) ([]string, error) {
	if err := c.usable("children", path); err != nil {
		return nil, err
	}

	var children []string
	var err error
	if watch {
		var ch <-chan zk.Event
		children, _, ch, err = c.conn.ChildrenW(path)
		if err == nil {
			c.forward(ch)
		}
	} else {
		children, _, err = c.conn.Children(path)
	}
	if err != nil {
		return nil, mapError(err, "children", path)
	}

	sort.Strings(children)
	return children, nil
}

// Close closes the session. The ensemble removes the ephemeral nodes owned by the session.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.logger.Debugw("closing ZooKeeper client", c.logKV()...)
		c.state.Store(int32(coord.StateClosed))
		close(c.done)
		c.conn.Close()
	})
}
