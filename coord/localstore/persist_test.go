package localstore

import (
	"github.com/ccassar/elector/coord"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestPersistence(t *testing.T) {

	dir, err := ioutil.TempDir("", "localstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "store.db")

	s, err := Open(file, nil, getTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	session := s.Connect(&testWatcher{})

	if err := session.EnsurePath("/app/config"); err != nil {
		t.Fatal(err)
	}
	if err := session.Set("/app/config", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Create("/app/gone", nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := session.Delete("/app/gone"); err != nil {
		t.Fatal(err)
	}
	eph, err := session.Create("/app/candidate_", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}
	if seq, _ := coord.SequenceOf(eph); seq != 0 {
		t.Fatalf("expected first sequence, got %s", eph)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(file, nil, getTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	session = s.Connect(&testWatcher{})

	data, err := session.Get("/app/config", false)
	if err != nil || string(data) != "v1" {
		t.Errorf("persistent node not restored, %q [%v]", data, err)
	}
	st, _ := session.Stat("/app/config")
	if st.Version != 1 {
		t.Errorf("expected version 1 restored, got %d", st.Version)
	}

	for _, missing := range []string{"/app/gone", eph} {
		if ok, _ := session.Exists(missing, false); ok {
			t.Errorf("node %s should not have been restored", missing)
		}
	}

	// Sequence counter carries on from where it was.
	next, err := session.Create("/app/candidate_", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatal(err)
	}
	if seq, _ := coord.SequenceOf(next); seq != 1 {
		t.Errorf("expected sequence to survive restart, got %s", next)
	}
}

func TestOpenLocked(t *testing.T) {

	dir, err := ioutil.TempDir("", "localstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "store.db")

	s, err := Open(file, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// A second open of the same file times out on the file lock.
	if _, err := Open(file, nil, nil); err == nil {
		t.Error("expected second open of locked DB to fail")
	}
}
