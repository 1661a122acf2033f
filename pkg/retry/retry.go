package retry

import (
	"context"
	"time"

	"github.com/toolkits/pkg/logger"
)

const (
	DefaultAttempts = 5
	DefaultBackoff  = 20 * time.Second
)

type Policy struct {
	Attempts int
	Backoff  time.Duration
}

func (p Policy) normalize() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = DefaultBackoff
	}
	return p
}

// Do runs fn until it succeeds, the attempts run out or ctx is done.
func Do(ctx context.Context, p Policy, name string, fn func() error) error {
	p = p.normalize()

	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}

		if i+1 == p.Attempts {
			break
		}
		logger.Warningf("%s failed (attempt %d/%d): %v, try again", name, i+1, p.Attempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff):
		}
	}
	return err
}
