// Package bucketing assigns partition buckets for the Scylla user tables and
// the ClickHouse event tables. Assignments are deterministic per key, so the
// bucket counts must not change once data exists.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"assist-auth/internal/config"
)

type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg config.BucketingConfig) *Manager {
	m := &Manager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on hot paths
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// GetUserBucket returns the consistent partition bucket for a user ID
// (0 to userBuckets-1). Both the create path and the by-ID lookup path
// derive the bucket from the same key, so no extra mapping table is needed.
func (m *Manager) GetUserBucket(userID string) int {
	return m.getBucket(userID, m.userBuckets)
}

// GetEventBucket returns the partition bucket for an audit event.
func (m *Manager) GetEventBucket(identifier string) int {
	return m.getBucket(identifier, m.eventBuckets)
}

// GetDateBucket returns the UTC date partition for event tables.
func (m *Manager) GetDateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (m *Manager) UserBuckets() int  { return m.userBuckets }
func (m *Manager) EventBuckets() int { return m.eventBuckets }

func (m *Manager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.getHash(key) % uint64(numBuckets))
}

func (m *Manager) getHash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
