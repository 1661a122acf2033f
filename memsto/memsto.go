package memsto

import (
	"context"
	"os"
	"time"

	"github.com/toolkits/pkg/logger"
)

const defaultSyncInterval = 9 * time.Second

func exit(code int) {
	logger.Close()
	os.Exit(code)
}

// syncer is the common shape of the config caches.
type syncer interface {
	sync() error
	name() string
}

// loopSync syncs every interval until ctx is done.
func loopSync(ctx context.Context, s syncer, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("stop syncing %s", s.name())
			return
		case <-ticker.C:
			if err := s.sync(); err != nil {
				logger.Warningf("failed to sync %s: %v", s.name(), err)
			}
		}
	}
}

// startSync exits the process when the first sync fails, later failures keep the old data.
func startSync(ctx context.Context, s syncer, interval time.Duration) {
	if err := s.sync(); err != nil {
		logger.Errorf("failed to sync %s: %v", s.name(), err)
		exit(1)
	}
	go loopSync(ctx, s, interval)
}
