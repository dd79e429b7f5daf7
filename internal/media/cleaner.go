package media

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const cleanupBatchSize = 100

// Cleaner periodically deletes expired attachments. When downloads are
// disabled it exits immediately.
type Cleaner struct {
	service  *Service
	log      *logrus.Logger
	interval time.Duration
}

func NewCleaner(service *Service, log *logrus.Logger, interval time.Duration) *Cleaner {
	return &Cleaner{service: service, log: log, interval: interval}
}

func (c *Cleaner) Run(ctx context.Context) {
	if !c.service.enabled {
		c.log.Info("media downloads disabled, cleaner not running")
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.WithField("interval", c.interval.String()).Info("media cleaner started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("media cleaner stopped")
			return
		case <-ticker.C:
			deleted, failed, err := c.service.CleanupExpired(ctx, cleanupBatchSize)
			if err != nil && !errors.Is(err, ErrDisabled) {
				c.log.WithError(err).Error("media cleanup failed")
				continue
			}
			if deleted > 0 || failed > 0 {
				c.log.WithFields(logrus.Fields{
					"deleted": deleted,
					"failed":  failed,
				}).Info("media cleanup pass finished")
			}
		}
	}
}
