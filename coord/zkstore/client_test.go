package zkstore

import (
	"fmt"
	"github.com/ccassar/elector/coord"
	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type testWatcher struct {
	mu     sync.Mutex
	events []string
}

func (tw *testWatcher) record(format string, args ...interface{}) {
	tw.mu.Lock()
	tw.events = append(tw.events, fmt.Sprintf(format, args...))
	tw.mu.Unlock()
}

func (tw *testWatcher) OnConnected()                  { tw.record("connected") }
func (tw *testWatcher) OnConnecting()                 { tw.record("connecting") }
func (tw *testWatcher) OnSessionExpired()             { tw.record("expired") }
func (tw *testWatcher) OnCreated(path string)         { tw.record("created %s", path) }
func (tw *testWatcher) OnDeleted(path string)         { tw.record("deleted %s", path) }
func (tw *testWatcher) OnChanged(path string)         { tw.record("changed %s", path) }
func (tw *testWatcher) OnChildrenChanged(path string) { tw.record("children %s", path) }
func (tw *testWatcher) OnWatchRemoved(path string)    { tw.record("removed %s", path) }

func (tw *testWatcher) get() []string {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return append([]string(nil), tw.events...)
}

func TestMapState(t *testing.T) {

	testCases := []struct {
		in  zk.State
		out coord.SessionState
	}{
		{zk.StateHasSession, coord.StateConnected},
		{zk.StateConnected, coord.StateConnecting},
		{zk.StateConnecting, coord.StateConnecting},
		{zk.StateDisconnected, coord.StateConnecting},
		{zk.StateExpired, coord.StateExpired},
	}

	for _, tc := range testCases {
		if got := mapState(tc.in); got != tc.out {
			t.Errorf("%v: expected %v, got %v", tc.in, tc.out, got)
		}
	}
}

func TestMapError(t *testing.T) {

	testCases := []struct {
		in    error
		cause error
	}{
		{zk.ErrNoNode, coord.ErrNoNode},
		{zk.ErrNodeExists, coord.ErrNodeExists},
		{zk.ErrNotEmpty, coord.ErrNotEmpty},
		{zk.ErrBadVersion, coord.ErrBadVersion},
		{zk.ErrConnectionClosed, coord.ErrConnectionLoss},
		{zk.ErrNoServer, coord.ErrConnectionLoss},
		{zk.ErrSessionExpired, coord.ErrSessionExpired},
		{zk.ErrClosing, coord.ErrClosed},
		{zk.ErrInvalidPath, coord.ErrBadArguments},
		{zk.ErrNoChildrenForEphemerals, coord.ErrBadArguments},
		{zk.ErrNoAuth, zk.ErrNoAuth},
	}

	for _, tc := range testCases {
		err := mapError(tc.in, "op", "/path")
		if errors.Cause(err) != tc.cause {
			t.Errorf("%v: expected cause %v, got %v", tc.in, tc.cause, err)
		}
		if !strings.Contains(err.Error(), "/path") {
			t.Errorf("%v: expected path in message, got %v", tc.in, err)
		}
	}

	if mapError(nil, "op", "/path") != nil {
		t.Error("nil error mapped to non nil")
	}
}

func TestMapFlags(t *testing.T) {

	if f := mapFlags(coord.FlagEphemeral | coord.FlagSequential); f != zk.FlagEphemeral|zk.FlagSequence {
		t.Errorf("unexpected flags %d", f)
	}
	if f := mapFlags(0); f != 0 {
		t.Errorf("unexpected flags %d", f)
	}
}

func TestSessionEvents(t *testing.T) {

	tw := &testWatcher{}
	c := newClient(tw, zap.NewNop().Sugar())

	sequence := []zk.State{
		zk.StateConnecting,
		zk.StateConnected,
		zk.StateHasSession,
		zk.StateHasSession,
		zk.StateDisconnected,
		zk.StateConnecting,
		zk.StateHasSession,
		zk.StateExpired,
		// The zk connection establishes a new session after expiry; ignored.
		zk.StateHasSession,
	}
	for _, s := range sequence {
		c.handleSessionEvent(zk.Event{Type: zk.EventSession, State: s})
	}

	c.handleWatchEvent(zk.Event{Type: zk.EventNodeChildrenChanged, Path: "/e"})
	c.handleWatchEvent(zk.Event{Type: zk.EventNotWatching, Path: "/e"})

	expect := []string{"connected", "connecting", "connected", "expired", "children /e", "removed /e"}
	if got := tw.get(); !reflect.DeepEqual(got, expect) {
		t.Errorf("expected %q, got %q", expect, got)
	}

	if c.State() != coord.StateExpired {
		t.Errorf("expected expired, got %v", c.State())
	}
	if _, err := c.Children("/e", true); errors.Cause(err) != coord.ErrSessionExpired {
		t.Errorf("expected requests to fail fast once expired, got %v", err)
	}
}

func TestWatchFiringDeliveredOnce(t *testing.T) {

	tw := &testWatcher{}
	c := newClient(tw, zap.NewNop().Sugar())

	sessionEvents := make(chan zk.Event, 2)
	stopped := make(chan struct{})
	go func() {
		c.run(sessionEvents)
		close(stopped)
	}()

	watch := make(chan zk.Event, 1)
	c.forward(watch)

	// The zk connection delivers a firing on the session channel and on the watch channel alike.
	ev := zk.Event{Type: zk.EventNodeChildrenChanged, Path: "/e"}
	sessionEvents <- ev
	watch <- ev
	sessionEvents <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}

	deadline := time.Now().Add(time.Second * 5)
	for len(tw.get()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 5)
	}
	time.Sleep(time.Millisecond * 50)

	close(sessionEvents)
	<-stopped

	got := tw.get()
	children := 0
	for _, e := range got {
		if e == "children /e" {
			children++
		}
	}
	if children != 1 {
		t.Errorf("expected a single children notification, got %q", got)
	}
}

func TestDialBadConfig(t *testing.T) {

	_, err := Dial(Config{}, &testWatcher{}, nil)
	if !coord.IsBadArguments(err) {
		t.Errorf("expected bad arguments, got %v", err)
	}

	factory := NewFactory(Config{}, nil)
	start := time.Now()
	if _, err := factory(&testWatcher{}); !coord.IsBadArguments(err) {
		t.Errorf("expected bad arguments, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("bad configuration should not be retried")
	}
}

// TestLiveEnsemble runs against a real ensemble, e.g. ZK_SERVERS=localhost:2181.
func TestLiveEnsemble(t *testing.T) {

	servers := os.Getenv("ZK_SERVERS")
	if servers == "" {
		t.Skip("ZK_SERVERS not set")
	}

	cfg := Config{Servers: strings.Split(servers, ","), SessionTimeout: time.Second * 5}
	tw := &testWatcher{}
	c, err := NewFactory(cfg, nil)(tw)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(time.Second * 10)
	for c.State() != coord.StateConnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 10)
	}
	if c.State() != coord.StateConnected {
		t.Fatalf("no session established, %v", c.State())
	}

	base := fmt.Sprintf("/zkstore-test-%d", time.Now().UnixNano())
	if err := c.EnsurePath(base + "/group"); err != nil {
		t.Fatal(err)
	}
	defer func() {
		c.DeleteIfExists(base + "/group")
		c.DeleteIfExists(base)
	}()

	if _, err := c.Children(base+"/group", true); err != nil {
		t.Fatal(err)
	}
	p, err := c.Create(base+"/group/candidate_", []byte("x"), coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.SequenceOf(p); err != nil {
		t.Errorf("expected sequential name, got %s", p)
	}

	fired := func() int {
		n := 0
		for _, ev := range tw.get() {
			if ev == "children "+base+"/group" {
				n++
			}
		}
		return n
	}
	deadline = time.Now().Add(time.Second * 5)
	for fired() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 10)
	}
	// Give any duplicate a chance to show up.
	time.Sleep(time.Millisecond * 200)
	if n := fired(); n != 1 {
		t.Errorf("children watch fired %d times, %q", n, tw.get())
	}

	if err := c.Set(p, []byte("y")); err != nil {
		t.Error(err)
	}
	if err := c.Delete(p); err != nil {
		t.Error(err)
	}
	if err := c.Delete(p); !coord.IsNoNode(err) {
		t.Errorf("expected no node, got %v", err)
	}
}
