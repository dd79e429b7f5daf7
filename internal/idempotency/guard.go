// Package idempotency guards webhook intake against repeat deliveries.
// A fast TTL key store answers first; the durable event table is the
// authority that survives restarts and key expiry.
package idempotency

import (
	"context"

	"github.com/sirupsen/logrus"
)

// KeyStore is the first-line duplicate check. Check reports whether the
// key was already recorded; Record marks it with a TTL.
type KeyStore interface {
	Check(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
}

// EventChecker is the durable half of the guard.
type EventChecker interface {
	EventExistsByDedupeKey(ctx context.Context, key string) (bool, error)
}

type Guard struct {
	keys   KeyStore
	events EventChecker
	log    *logrus.Logger
}

func NewGuard(keys KeyStore, events EventChecker, log *logrus.Logger) *Guard {
	return &Guard{keys: keys, events: events, log: log}
}

// Seen reports whether a delivery with this key was already accepted.
// Key store failures degrade to the durable check, never to a rejection.
func (g *Guard) Seen(ctx context.Context, key string) (bool, error) {
	dup, err := g.keys.Check(ctx, key)
	if err != nil {
		g.log.WithError(err).Warn("idempotency key check failed, falling back to event table")
	} else if dup {
		return true, nil
	}
	return g.events.EventExistsByDedupeKey(ctx, key)
}

// Record notes the key in the fast store. Failures are logged and
// swallowed: the durable event row still protects the key.
func (g *Guard) Record(ctx context.Context, key string) {
	if err := g.keys.Record(ctx, key); err != nil {
		g.log.WithError(err).WithField("key", key).Warn("idempotency key record failed")
	}
}
