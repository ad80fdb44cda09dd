package localstore

import (
	"bytes"
	"encoding/binary"
	"github.com/ccassar/elector/coord"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"time"
)

// Bolt bucket names for persistent nodes and sequence counters.
const (
	dbBucketNodes     = "Nodes"
	dbBucketSequences = "Sequences"
)

// nodeGetSerialised lays out the node version (big endian) ahead of the node data.
func nodeGetSerialised(version int32, data []byte) []byte {
	var val bytes.Buffer
	binary.Write(&val, binary.BigEndian, version)
	val.Write(data)
	return val.Bytes()
}

func nodeFromSerialised(b []byte) (version int32, data []byte, err error) {
	buf := bytes.NewBuffer(b)
	if err = binary.Read(buf, binary.BigEndian, &version); err != nil {
		return 0, nil, err
	}
	return version, append([]byte(nil), buf.Bytes()...), nil
}

func sequenceGetSerialised(sequence int32) []byte {
	var val bytes.Buffer
	binary.Write(&val, binary.BigEndian, sequence)
	return val.Bytes()
}

func sequenceFromSerialised(b []byte) (int32, error) {
	var sequence int32
	err := binary.Read(bytes.NewBuffer(b), binary.BigEndian, &sequence)
	return sequence, err
}

// Open returns a store backed by the bbolt file at path, creating the file if necessary, and loads the persistent
// nodes and sequence counters saved in it. Nil opts picks defaults with a short lock timeout, so that a second
// process opening the same file fails rather than blocks.
func Open(path string, opts *bolt.Options, logger *zap.SugaredLogger) (*Store, error) {

	s := New(logger)

	if opts == nil {
		o := *bolt.DefaultOptions
		o.Timeout = time.Second * 3
		opts = &o
	}

	s.logger.Debugw("opening bolt DB for persistence", append(s.logKV(), "file", path)...)

	db, err := bolt.Open(path, 0666, opts)
	if err != nil {
		err = coord.Errorf(err, "open bbolt DB %s failed (is another process using the DB?)", path)
		s.logger.Errorw("initialising DB", append(s.logKV(), "err", err)...)
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{dbBucketNodes, dbBucketSequences} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		err = coord.Errorf(err, "creating bbolt DB buckets failed")
		s.logger.Errorw("initialising DB", append(s.logKV(), "err", err)...)
		return nil, err
	}

	if err = s.load(db); err != nil {
		db.Close()
		s.logger.Errorw("loading DB", append(s.logKV(), "err", err)...)
		return nil, err
	}

	s.db = db
	s.logger.Infow("local store loaded", append(s.logKV(), "file", path)...)

	return s, nil
}

// load rebuilds the tree from db. Keys iterate in byte order, and a parent path is a prefix of its children's
// paths, so every parent is seen before its children.
func (s *Store) load(db *bolt.DB) error {

	return db.View(func(tx *bolt.Tx) error {

		err := tx.Bucket([]byte(dbBucketNodes)).ForEach(func(k, v []byte) error {
			path := string(k)
			version, data, err := nodeFromSerialised(v)
			if err != nil {
				return coord.Errorf(err, "node %s failed to deserialise, corrupted data in bbolt db?", path)
			}
			parent, ok := s.nodes[coord.Parent(path)]
			if !ok {
				return coord.Errorf(coord.ErrNoNode, "node %s loaded without its parent", path)
			}
			n := newNode(data, 0)
			n.version = version
			s.nodes[path] = n
			parent.children[coord.Base(path)] = struct{}{}
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket([]byte(dbBucketSequences)).ForEach(func(k, v []byte) error {
			sequence, err := sequenceFromSerialised(v)
			if err != nil {
				return coord.Errorf(err, "sequence for %s failed to deserialise", string(k))
			}
			s.sequences[string(k)] = sequence
			return nil
		})
	})
}

// persistCreate saves the node (unless ephemeral) and, for sequential nodes, the advanced parent sequence in one
// transaction.
func (s *Store) persistCreate(parentPath string, nextSequence int32, sequential bool, path string, n *node) error {

	err := s.db.Update(func(tx *bolt.Tx) error {
		if sequential {
			err := tx.Bucket([]byte(dbBucketSequences)).Put([]byte(parentPath), sequenceGetSerialised(nextSequence))
			if err != nil {
				return err
			}
		}
		if n.owner == 0 {
			return tx.Bucket([]byte(dbBucketNodes)).Put([]byte(path), nodeGetSerialised(n.version, n.data))
		}
		return nil
	})

	if err != nil {
		err = coord.Errorf(err, "persisting node %s failed", path)
		s.logger.Errorw("persist node", append(s.logKV(), "err", err)...)
	}
	return err
}

func (s *Store) persistNode(path string, version int32, data []byte) error {

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dbBucketNodes)).Put([]byte(path), nodeGetSerialised(version, data))
	})

	if err != nil {
		err = coord.Errorf(err, "persisting node %s failed", path)
		s.logger.Errorw("persist node", append(s.logKV(), "err", err)...)
	}
	return err
}

// persistDelete removes the node, and any sequence counter kept for its children.
func (s *Store) persistDelete(path string) error {

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(dbBucketSequences)).Delete([]byte(path)); err != nil {
			return err
		}
		return tx.Bucket([]byte(dbBucketNodes)).Delete([]byte(path))
	})

	if err != nil {
		err = coord.Errorf(err, "deleting node %s failed", path)
		s.logger.Errorw("persist delete", append(s.logKV(), "err", err)...)
	}
	return err
}
