package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// ContextShardedMutex is the context-aware sibling of ShardedMutex. Each
// shard is a channel-based mutex, so a caller waiting on a contended key can
// give up when its context is cancelled instead of blocking forever. The
// zero value is ready to use.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock acquires the shard for key, or gives up when ctx is cancelled while
// waiting. On success the returned unlock must be called exactly once.
func (m *ContextShardedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shard := m.shards[m.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
