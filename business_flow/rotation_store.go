package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RotationStore holds per-key ad queues. PopOrRefill is atomic per key: when the
// queue is empty or absent it is replaced by refill, then its front entry is popped.
type RotationStore interface {
	PopOrRefill(ctx context.Context, key string, refill []uint) (uint, bool, error)
}

// popOrRefillScript refills an empty list, refreshes its TTL and pops the head in one step
var popOrRefillScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) == 0 then
  if #ARGV < 2 then
    return false
  end
  for i = 2, #ARGV do
    redis.call('RPUSH', KEYS[1], ARGV[i])
  end
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return redis.call('LPOP', KEYS[1])
`)

// RedisRotationStore keeps rotation queues in redis lists shared by every instance
type RedisRotationStore struct {
	rc  redis.UniversalClient
	ttl time.Duration
}

func NewRedisRotationStore(rc redis.UniversalClient, ttl time.Duration) *RedisRotationStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRotationStore{rc: rc, ttl: ttl}
}

func (s *RedisRotationStore) PopOrRefill(ctx context.Context, key string, refill []uint) (uint, bool, error) {
	args := make([]any, 0, len(refill)+1)
	args = append(args, s.ttl.Milliseconds())
	for _, id := range refill {
		args = append(args, strconv.FormatUint(uint64(id), 10))
	}

	res, err := popOrRefillScript.Run(ctx, s.rc, []string{key}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rotation pop %s: %w", key, err)
	}
	id, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("rotation pop %s: bad entry %q: %w", key, res, err)
	}
	return uint(id), true, nil
}

// MemoryRotationStore keeps rotation queues in process; queues expire after ttl of inactivity
type MemoryRotationStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	queues map[string]*memoryQueue
}

type memoryQueue struct {
	ids       []uint
	expiresAt time.Time
}

func NewMemoryRotationStore(ttl time.Duration) *MemoryRotationStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryRotationStore{
		ttl:    ttl,
		now:    time.Now,
		queues: make(map[string]*memoryQueue),
	}
}

func (s *MemoryRotationStore) PopOrRefill(ctx context.Context, key string, refill []uint) (uint, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	q := s.queues[key]
	if q == nil || len(q.ids) == 0 || now.After(q.expiresAt) {
		if len(refill) == 0 {
			delete(s.queues, key)
			return 0, false, nil
		}
		q = &memoryQueue{ids: append([]uint(nil), refill...)}
		s.queues[key] = q
	}
	q.expiresAt = now.Add(s.ttl)

	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true, nil
}

// Len reports how many entries remain queued under key
func (s *MemoryRotationStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queues[key]; q != nil {
		return len(q.ids)
	}
	return 0
}

// Evict drops queues idle past their ttl and returns how many were removed
func (s *MemoryRotationStore) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, q := range s.queues {
		if now.After(q.expiresAt) {
			delete(s.queues, k)
			n++
		}
	}
	return n
}
