package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/PentesterFlow/crawlkit/internal/task"
)

var (
	bucketResults = []byte("results")
	bucketSession = []byte("session")
	keySession    = []byte("current")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) a results database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketResults, bucketSession} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// PutResult stores the result for url, replacing any previous one.
func (s *BoltStore) PutResult(url string, r *task.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(url), data)
	})
}

// ForEachResult calls fn for every stored result in key order.
func (s *BoltStore) ForEachResult(fn func(url string, r *task.Result) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var r task.Result
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal result for %s: %w", k, err)
			}
			return fn(string(k), &r)
		})
	})
}

// SaveSession stores the session record.
func (s *BoltStore) SaveSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put(keySession, data)
	})
}

// LoadSession returns the stored session, or nil when none was saved.
func (s *BoltStore) LoadSession() (*Session, error) {
	var session Session
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		data := b.Get(keySession)
		if data == nil {
			return nil // Not found, but not an error
		}

		found = true
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	return &session, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.Mutex
	order   []string
	results map[string]*task.Result
	session *Session
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]*task.Result)}
}

// PutResult stores the result for url.
func (s *MemoryStore) PutResult(url string, r *task.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[url]; !ok {
		s.order = append(s.order, url)
	}
	s.results[url] = r
	return nil
}

// ForEachResult calls fn for every stored result in insertion order.
func (s *MemoryStore) ForEachResult(fn func(url string, r *task.Result) error) error {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, url := range order {
		s.mu.Lock()
		r := s.results[url]
		s.mu.Unlock()
		if err := fn(url, r); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession stores the session in memory.
func (s *MemoryStore) SaveSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	return nil
}

// LoadSession returns the stored session.
func (s *MemoryStore) LoadSession() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}
