package builder

import (
	"context"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/storage"
)

const uidSeqMod = 10000000

// UidPool hands out alert ids, reserving sequence numbers from redis in blocks.
// An id is the unix second followed by 7 digits of sequence, 17 digits in total.
type UidPool struct {
	sync.Mutex
	redis storage.Redis
	key   string
	size  int64

	next int64
	max  int64
}

func NewUidPool(r storage.Redis, key string, size int64) *UidPool {
	if size <= 0 {
		size = 100
	}
	return &UidPool{redis: r, key: key, size: size}
}

func (p *UidPool) preload(ctx context.Context) error {
	max, err := p.redis.IncrBy(ctx, p.key, p.size).Result()
	if err != nil {
		return err
	}
	p.next = max - p.size + 1
	p.max = max
	return nil
}

func (p *UidPool) Next(ctx context.Context, now time.Time) (int64, error) {
	p.Lock()
	defer p.Unlock()

	if p.next == 0 || p.next > p.max {
		if err := p.preload(ctx); err != nil {
			return 0, err
		}
	}
	seq := p.next
	p.next++
	return now.Unix()*uidSeqMod + seq%uidSeqMod, nil
}
