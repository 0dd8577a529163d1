package correlation

import (
	"sync"
	"time"
)

// record is the minimal snapshot of a classified event retained for
// correlation purposes. The full SecurityEvent is not held onto — only the
// fields detectors need — so the window cannot pin arbitrarily large
// payloads in memory.
type record struct {
	UniqueID  string
	Host      string
	User      string
	EventType string
	Time      time.Time
	Mitre     []string
}

// shard is the per-key (host or user, whichever the record was filed under)
// rolling window. All detector logic for one key runs under shard.mu, giving
// single-writer-per-key semantics without a global lock.
type shard struct {
	mu     sync.Mutex
	recent []record
}

// prune drops entries older than the given horizon relative to now.
func (s *shard) prune(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	i := 0
	for ; i < len(s.recent); i++ {
		if s.recent[i].Time.After(cutoff) {
			break
		}
	}
	if i > 0 {
		s.recent = s.recent[i:]
	}
}

// shardedState is a key-sharded map of rolling windows, keyed by whatever
// correlation unit (user, falling back to host) the caller chose. Sharding
// by key rather than a single global lock is what makes the engine's
// "no detector may block on I/O, one writer per key" invariant practical.
type shardedState struct {
	mu     sync.Mutex
	shards map[string]*shard
	maxAge time.Duration
}

func newShardedState(maxAge time.Duration) *shardedState {
	return &shardedState{shards: make(map[string]*shard), maxAge: maxAge}
}

// withShard runs fn holding the per-key shard lock, creating the shard if
// necessary. The global map mutex is only held long enough to find/create
// the shard pointer, never for the duration of fn.
func (s *shardedState) withShard(key string, fn func(*shard)) {
	s.mu.Lock()
	sh, ok := s.shards[key]
	if !ok {
		sh = &shard{}
		s.shards[key] = sh
	}
	s.mu.Unlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(sh)
}

// sweep removes shards that have had no activity within maxAge, bounding
// memory growth from keys that stop appearing.
func (s *shardedState) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sh := range s.shards {
		sh.mu.Lock()
		sh.prune(now, s.maxAge)
		empty := len(sh.recent) == 0
		sh.mu.Unlock()
		if empty {
			delete(s.shards, key)
		}
	}
}
