package cron

import (
	"time"

	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/ctx"

	"github.com/robfig/cron/v3"
	"github.com/toolkits/pkg/logger"
)

const shieldExpireCron = "@every 1m"

// ShieldIndex is the in-memory shield table refreshed after expiry.
type ShieldIndex interface {
	Refresh() error
}

// Pruner drops compiled state of shields that left the index.
type Pruner interface {
	Prune()
}

// ExpireShields marks shields whose end_time passed as expired and drops them from memory.
func ExpireShields(ctx *ctx.Context, index ShieldIndex, pruner Pruner, now int64) (int64, error) {
	n, err := models.ShieldExpire(ctx, now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	logger.Infof("cron: %d shields expired", n)
	if err := index.Refresh(); err != nil {
		return n, err
	}
	pruner.Prune()
	return n, nil
}

func InitShieldExpireCron(ctx *ctx.Context, index ShieldIndex, pruner Pruner) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(shieldExpireCron, func() {
		if _, err := ExpireShields(ctx, index, pruner, time.Now().Unix()); err != nil {
			logger.Errorf("cron: failed to expire shields: %v", err)
		}
	})

	if err != nil {
		return nil, err
	}

	c.Start()

	return c, nil
}
