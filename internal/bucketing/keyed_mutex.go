package bucketing

import "sync"

// KeyedMutex serialises work per key over a fixed set of mutex shards. Keys
// that hash to different shards never block each other.
type KeyedMutex struct {
	bm     *BucketingManager
	shards []sync.Mutex
}

func NewKeyedMutex(shards int) *KeyedMutex {
	bm := NewBucketingManager(shards)
	return &KeyedMutex{
		bm:     bm,
		shards: make([]sync.Mutex, bm.Buckets()),
	}
}

// Lock acquires the shard for key and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	mu := &k.shards[k.bm.GetBucket(key)]
	mu.Lock()
	return mu.Unlock
}

// LockUser is Lock(UserKey(userID)).
func (k *KeyedMutex) LockUser(userID int64) func() {
	return k.Lock(UserKey(userID))
}

// Shard exposes the shard index for key.
func (k *KeyedMutex) Shard(key string) int {
	return k.bm.GetBucket(key)
}
