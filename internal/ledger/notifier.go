package ledger

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"talecast/pkg/logging"
	"talecast/pkg/models"
	"talecast/pkg/redis"
)

// BalanceChannel is the Redis pub/sub channel balance changes are published on.
const BalanceChannel = "bursar.balance.changed"

// Notifier receives best-effort notifications after successful balance
// mutations. Failures are logged, never propagated; reconciliation bounds any
// resulting staleness in downstream caches.
type Notifier interface {
	BalanceChanged(ctx context.Context, event models.BalanceChangedEvent)
}

// RedisNotifier publishes balance changes over Redis pub/sub.
type RedisNotifier struct {
	pubsub *redis.TypedPubSub[models.BalanceChangedEvent]
	logger logging.Logger
}

// NewRedisNotifier creates a notifier backed by the given Redis client.
func NewRedisNotifier(client goredis.UniversalClient, logger logging.Logger) *RedisNotifier {
	return &RedisNotifier{
		pubsub: redis.NewTypedPubSub[models.BalanceChangedEvent](client),
		logger: logger,
	}
}

func (n *RedisNotifier) BalanceChanged(ctx context.Context, event models.BalanceChangedEvent) {
	if err := n.pubsub.Publish(ctx, BalanceChannel, event); err != nil {
		n.logger.WithError(err).WithField("owner_id", event.OwnerID).Warn("Failed to publish balance change")
	}
}

// NoopNotifier drops all notifications. Used when Redis is not configured.
type NoopNotifier struct{}

func (NoopNotifier) BalanceChanged(context.Context, models.BalanceChangedEvent) {}
