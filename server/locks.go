package server

import (
	"hash/fnv"
	"sync"
)

// recipientLocks serializes queue operations per recipient_id via a
// sharded set of mutexes (not a single global lock), per §5's "per-queue
// mutex or funneled through a per-queue actor".
type recipientLocks struct {
	shards []sync.Mutex
}

func newRecipientLocks(n int) *recipientLocks {
	if n <= 0 {
		n = 256
	}
	return &recipientLocks{shards: make([]sync.Mutex, n)}
}

func (l *recipientLocks) shard(recipientID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipientID))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *recipientLocks) Lock(recipientID string)   { l.shard(recipientID).Lock() }
func (l *recipientLocks) Unlock(recipientID string) { l.shard(recipientID).Unlock() }
