package localstore

import (
	"fmt"
	"github.com/ccassar/elector/coord"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"reflect"
	"sync"
	"testing"
	"time"
)

// testWatcher records watcher callbacks as strings, in delivery order.
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

// expect waits for the recorded events to match events exactly.
func (tw *testWatcher) expect(t *testing.T, events ...string) {
	t.Helper()
	ok := waitUntil(time.Second*3, func() bool { return reflect.DeepEqual(tw.get(), events) })
	if !ok {
		t.Fatalf("expected events %q, got %q", events, tw.get())
	}
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(time.Millisecond * 5)
	}
	return fn()
}

func getTestLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.Level.SetLevel(zapcore.DebugLevel)
	l, _ := cfg.Build()
	return l.Sugar()
}

func TestConnect(t *testing.T) {

	s := New(getTestLogger())
	defer s.Close()

	w := &testWatcher{}
	session := s.Connect(w)
	w.expect(t, "connected")

	if session.State() != coord.StateConnected {
		t.Errorf("expected connected session, got %v", session.State())
	}

	other := s.Connect(&testWatcher{})
	if other.ID() == session.ID() {
		t.Errorf("session ids reused, %d", other.ID())
	}
}

func TestCreateErrors(t *testing.T) {

	s := New(nil)
	defer s.Close()
	session := s.Connect(&testWatcher{})

	testCases := []struct {
		name  string
		op    func() error
		cause error
	}{
		{"missing parent", func() error {
			_, err := session.Create("/a/b", nil, 0)
			return err
		}, coord.ErrNoNode},
		{"root", func() error {
			_, err := session.Create("/", nil, 0)
			return err
		}, coord.ErrNodeExists},
		{"relative", func() error {
			_, err := session.Create("a", nil, 0)
			return err
		}, coord.ErrBadArguments},
		{"sequential create if not exists", func() error {
			_, err := session.CreateIfNotExists("/a", nil, coord.FlagSequential)
			return err
		}, coord.ErrBadArguments},
		{"delete missing", func() error {
			return session.Delete("/missing")
		}, coord.ErrNoNode},
		{"set missing", func() error {
			return session.Set("/missing", nil)
		}, coord.ErrNoNode},
		{"children missing", func() error {
			_, err := session.Children("/missing", true)
			return err
		}, coord.ErrNoNode},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op()
			if errors.Cause(err) != tc.cause {
				t.Errorf("expected %v, got %v", tc.cause, err)
			}
		})
	}

	if _, err := session.Create("/a", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Create("/a", nil, 0); !coord.IsNodeExists(err) {
		t.Errorf("expected node exists, got %v", err)
	}
	if p, err := session.CreateIfNotExists("/a", nil, 0); err != nil || p != "/a" {
		t.Errorf("expected create if not exists to succeed, got %s [%v]", p, err)
	}
	if _, err := session.Create("/a/b", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := session.Delete("/a"); errors.Cause(err) != coord.ErrNotEmpty {
		t.Errorf("expected not empty, got %v", err)
	}
	if err := session.DeleteIfExists("/a/missing"); err != nil {
		t.Errorf("expected delete if exists to ignore missing node, got %v", err)
	}

	eph, err := session.Create("/e", nil, coord.FlagEphemeral)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := session.Create(eph+"/child", nil, 0); errors.Cause(err) != coord.ErrBadArguments {
		t.Errorf("expected no children under ephemeral nodes, got %v", err)
	}
}

func TestSequentialEphemeral(t *testing.T) {

	s := New(getTestLogger())
	defer s.Close()

	s1 := s.Connect(&testWatcher{})
	s2 := s.Connect(&testWatcher{})

	if err := s1.EnsurePath("/election/group"); err != nil {
		t.Fatal(err)
	}
	if err := s2.EnsurePath("/election/group"); err != nil {
		t.Fatalf("ensure path should tolerate existing nodes, got %v", err)
	}

	p1, err := s1.Create("/election/group/candidate_", []byte("one"), coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s2.Create("/election/group/candidate_", []byte("two"), coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}

	if p1 != "/election/group/candidate_0000000000" || p2 != "/election/group/candidate_0000000001" {
		t.Fatalf("unexpected sequential paths %s %s", p1, p2)
	}

	st, err := s1.Stat(p2)
	if err != nil {
		t.Fatal(err)
	}
	if st.EphemeralOwner != s2.ID() || st.DataLength != 3 {
		t.Errorf("unexpected stat %+v", st)
	}

	s1.Close()
	if ok, _ := s2.Exists(p1, false); ok {
		t.Errorf("ephemeral node %s survived its session", p1)
	}
	if _, err := s1.Create("/x", nil, 0); errors.Cause(err) != coord.ErrClosed {
		t.Errorf("expected closed session, got %v", err)
	}

	// Sequence keeps climbing even though the lowest node went away.
	p3, err := s2.Create("/election/group/candidate_", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}
	if seq, _ := coord.SequenceOf(p3); seq != 2 {
		t.Errorf("expected sequence 2, got %s", p3)
	}

	children, err := s2.Children("/election/group", false)
	if err != nil {
		t.Fatal(err)
	}
	expect := []string{"candidate_0000000001", "candidate_0000000002"}
	if !reflect.DeepEqual(children, expect) {
		t.Errorf("expected children %v, got %v", expect, children)
	}
}

func TestWatches(t *testing.T) {

	s := New(getTestLogger())
	defer s.Close()

	w := &testWatcher{}
	watching := s.Connect(w)
	writer := s.Connect(&testWatcher{})
	w.expect(t, "connected")

	if err := writer.EnsurePath("/g"); err != nil {
		t.Fatal(err)
	}

	// Children watch is one-shot.
	if _, err := watching.Children("/g", true); err != nil {
		t.Fatal(err)
	}
	writer.Create("/g/a", nil, 0)
	writer.Create("/g/b", nil, 0)
	w.expect(t, "connected", "children /g")

	// Exists watch on a missing node fires on creation.
	if ok, err := watching.Exists("/g/c", true); ok || err != nil {
		t.Fatalf("unexpected exists result %t [%v]", ok, err)
	}
	writer.Create("/g/c", nil, 0)
	w.expect(t, "connected", "children /g", "created /g/c")

	// Get watch fires on change, and a fresh one on delete.
	if _, err := watching.Get("/g/c", true); err != nil {
		t.Fatal(err)
	}
	if err := writer.Set("/g/c", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	w.expect(t, "connected", "children /g", "created /g/c", "changed /g/c")

	watching.Get("/g/c", true)
	watching.Children("/g", true)
	if err := writer.Delete("/g/c"); err != nil {
		t.Fatal(err)
	}
	w.expect(t, "connected", "children /g", "created /g/c", "changed /g/c", "deleted /g/c", "children /g")

	data, err := writer.Get("/g/a", false)
	if err != nil || len(data) != 0 {
		t.Errorf("unexpected data %q [%v]", data, err)
	}
}

func TestSetVersion(t *testing.T) {

	s := New(nil)
	defer s.Close()
	session := s.Connect(&testWatcher{})

	session.Create("/v", []byte("0"), 0)
	if err := session.SetVersion("/v", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	if err := session.SetVersion("/v", []byte("2"), 0); errors.Cause(err) != coord.ErrBadVersion {
		t.Errorf("expected bad version, got %v", err)
	}
	if err := session.Set("/v", []byte("2")); err != nil {
		t.Fatal(err)
	}
	st, _ := session.Stat("/v")
	if st.Version != 2 {
		t.Errorf("expected version 2, got %d", st.Version)
	}
}

func TestDisconnectReconnect(t *testing.T) {

	s := New(getTestLogger())
	defer s.Close()

	w := &testWatcher{}
	session := s.Connect(w)
	other := s.Connect(&testWatcher{})

	other.EnsurePath("/g")
	eph, err := session.Create("/g/n_", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}
	session.Children("/g", true)

	session.Disconnect()
	w.expect(t, "connected", "connecting")
	if session.State() != coord.StateConnecting {
		t.Errorf("expected connecting, got %v", session.State())
	}
	if _, err := session.Children("/g", false); errors.Cause(err) != coord.ErrConnectionLoss {
		t.Errorf("expected connection loss, got %v", err)
	}

	// Notification raised while disconnected is held back, and the ephemeral node survives.
	other.Create("/g/x", nil, 0)
	time.Sleep(time.Millisecond * 50)
	w.expect(t, "connected", "connecting")
	if ok, _ := other.Exists(eph, false); !ok {
		t.Errorf("ephemeral node %s lost on disconnect", eph)
	}

	session.Reconnect()
	w.expect(t, "connected", "connecting", "connected", "children /g")
}

func TestExpire(t *testing.T) {

	s := New(getTestLogger())
	defer s.Close()

	w := &testWatcher{}
	session := s.Connect(w)
	ow := &testWatcher{}
	other := s.Connect(ow)

	other.EnsurePath("/g")
	eph, _ := session.Create("/g/n_", nil, coord.FlagEphemeral|coord.FlagSequential)
	session.Exists("/g/other", true)
	other.Children("/g", true)

	session.Expire()

	w.expect(t, "connected", "removed /g/other", "expired")
	ow.expect(t, "connected", "children /g")

	if session.State() != coord.StateExpired {
		t.Errorf("expected expired, got %v", session.State())
	}
	if _, err := session.Exists("/g", false); errors.Cause(err) != coord.ErrSessionExpired {
		t.Errorf("expected session expired, got %v", err)
	}
	if ok, _ := other.Exists(eph, false); ok {
		t.Errorf("ephemeral node %s survived expiry", eph)
	}

	// Nothing more once expired.
	session.Disconnect()
	session.Reconnect()
	session.Close()
	if session.State() != coord.StateClosed {
		t.Errorf("expected closed, got %v", session.State())
	}
}

func TestStoreClose(t *testing.T) {

	s := New(nil)
	session := s.Connect(&testWatcher{})
	factory := s.Factory()

	c, err := factory(&testWatcher{})
	if err != nil || c.State() != coord.StateConnected {
		t.Fatalf("factory failed %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if session.State() != coord.StateClosed || c.State() != coord.StateClosed {
		t.Errorf("sessions left open after store close")
	}
	if _, err := factory(&testWatcher{}); errors.Cause(err) != coord.ErrClosed {
		t.Errorf("expected closed store, got %v", err)
	}
}
