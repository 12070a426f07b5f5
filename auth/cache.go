package auth

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SessionCache stores at most one session per address. Keys are compared
// case-insensitively. Implementations must be safe for concurrent use.
type SessionCache interface {
	Get(address string) (Session, bool, error)
	Set(session Session) error
	Invalidate(address string) error
}

// MemoryCache is a process-local SessionCache.
type MemoryCache struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{sessions: make(map[string]Session)}
}

func (c *MemoryCache) Get(address string) (Session, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[cacheKey(address)]
	return s, ok, nil
}

func (c *MemoryCache) Set(session Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[cacheKey(session.Address)] = session
	return nil
}

func (c *MemoryCache) Invalidate(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, cacheKey(address))
	return nil
}

var sessionsBucket = []byte("sessions")

// BoltCache persists sessions in a bbolt file so restarts do not force a new
// signature.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens (or creates) the session store at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("auth: open session store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: init session store: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Close releases the underlying file.
func (c *BoltCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *BoltCache) Get(address string) (Session, bool, error) {
	var (
		session Session
		found   bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(cacheKey(address)))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &session)
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("auth: read session: %w", err)
	}
	return session, found, nil
}

func (c *BoltCache) Set(session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(cacheKey(session.Address)), raw)
	})
}

func (c *BoltCache) Invalidate(address string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(cacheKey(address)))
	})
}
