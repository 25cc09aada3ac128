package resumable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	rootBucket   = []byte("streams")
	chunkBucket  = []byte("chunks")
	stateKey     = []byte("state")
	createdAtKey = []byte("created_at")
)

// BoltStore keeps streams in a single-node bbolt file. Readers in the same
// process are woken through an in-memory broadcaster.
type BoltStore struct {
	db *bolt.DB

	mu   sync.Mutex
	subs map[string]map[*boltNotification]struct{}
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create stream dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open stream store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stream store: %w", err)
	}
	return &BoltStore{db: db, subs: make(map[string]map[*boltNotification]struct{})}, nil
}

func (s *BoltStore) Create(_ context.Context, id string, _ time.Duration) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(rootBucket).CreateBucket([]byte(id))
		if err != nil {
			if errors.Is(err, bolt.ErrBucketExists) {
				return ErrStreamExists
			}
			return err
		}
		if _, err := b.CreateBucket(chunkBucket); err != nil {
			return err
		}
		if err := b.Put(stateKey, []byte(StateActive.String())); err != nil {
			return err
		}
		return b.Put(createdAtKey, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	return err
}

func (s *BoltStore) Append(_ context.Context, id string, chunk []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(id))
		if b == nil {
			return ErrStreamNotFound
		}
		if parseState(string(b.Get(stateKey))) == StateDone {
			return ErrStreamDone
		}
		chunks := b.Bucket(chunkBucket)
		seq, err := chunks.NextSequence()
		if err != nil {
			return err
		}
		return chunks.Put(seqKey(seq), chunk)
	})
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

func (s *BoltStore) Finish(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(id))
		if b == nil {
			return ErrStreamNotFound
		}
		return b.Put(stateKey, []byte(StateDone.String()))
	})
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

func (s *BoltStore) Range(_ context.Context, id string, from int) ([][]byte, State, error) {
	var (
		chunks [][]byte
		state  = StateMissing
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		state = parseState(string(b.Get(stateKey)))
		// sequences start at 1
		c := b.Bucket(chunkBucket).Cursor()
		for k, v := c.Seek(seqKey(uint64(from) + 1)); k != nil; k, v = c.Next() {
			chunks = append(chunks, append([]byte(nil), v...))
		}
		return nil
	})
	return chunks, state, err
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(rootBucket).DeleteBucket([]byte(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

func (s *BoltStore) Purge(_ context.Context, before time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		var stale [][]byte
		if err := root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			b := root.Bucket(k)
			created, err := time.Parse(time.RFC3339Nano, string(b.Get(createdAtKey)))
			if err != nil || created.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := root.DeleteBucket(k); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	return purged, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Subscribe(_ context.Context, id string) (Notification, error) {
	n := &boltNotification{store: s, id: id, ch: make(chan struct{}, 1)}
	s.mu.Lock()
	set, ok := s.subs[id]
	if !ok {
		set = make(map[*boltNotification]struct{})
		s.subs[id] = set
	}
	set[n] = struct{}{}
	s.mu.Unlock()
	return n, nil
}

func (s *BoltStore) notify(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.subs[id] {
		select {
		case n.ch <- struct{}{}:
		default:
		}
	}
}

func (s *BoltStore) unsubscribe(n *boltNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[n.id]
	delete(set, n)
	if len(set) == 0 {
		delete(s.subs, n.id)
	}
}

type boltNotification struct {
	store *BoltStore
	id    string
	ch    chan struct{}
	once  sync.Once
}

func (n *boltNotification) C() <-chan struct{} { return n.ch }

func (n *boltNotification) Close() error {
	n.once.Do(func() { n.store.unsubscribe(n) })
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
