package summary

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const staleBatchSize = 20

// Refresher periodically refreshes summaries for sessions with unabsorbed
// activity. Per-session failures are logged and skipped; the loop stops
// only on context cancellation.
type Refresher struct {
	service  *Service
	log      *logrus.Logger
	interval time.Duration
}

func NewRefresher(service *Service, log *logrus.Logger, interval time.Duration) *Refresher {
	return &Refresher{service: service, log: log, interval: interval}
}

func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.interval.String()).Info("summary refresher started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("summary refresher stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	sessions, err := r.service.store.ListStaleSummarySessions(ctx, staleBatchSize)
	if err != nil {
		r.log.WithError(err).Error("list stale sessions failed")
		return
	}
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		if err := r.service.Refresh(ctx, &sess); err != nil {
			r.log.WithError(err).WithField("session_id", sess.ID).Warn("summary refresh failed")
		}
	}
}
