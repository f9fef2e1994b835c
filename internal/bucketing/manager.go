package bucketing

import (
	"hash"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys to a fixed number of buckets with murmur3.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Pool hashers to avoid an allocation per lookup
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetBucket returns a stable bucket in [0, buckets).
func (bm *BucketingManager) GetBucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

// GetUserBucket buckets a chat user id.
func (bm *BucketingManager) GetUserBucket(userID int64) int {
	return bm.GetBucket(UserKey(userID))
}

// GetTimeBucket returns the start of the fixed window containing t, in unix seconds.
func (bm *BucketingManager) GetTimeBucket(t time.Time, window time.Duration) int64 {
	w := int64(window / time.Second)
	if w <= 0 {
		w = 1
	}
	return t.Unix() / w * w
}

func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// UserKey is the canonical lock and bucket key for a chat user.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
