package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventMarker запоминает обработанные события вебхука, чтобы повторы отбрасывались без похода в базу.
// Это только оптимизация: обновления заказа идемпотентны и без неё.
type EventMarker interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type redisEventMarker struct {
	client      redis.Cmdable
	serviceName string
	ttl         time.Duration
}

func NewRedisEventMarker(client redis.Cmdable, serviceName string, ttl time.Duration) EventMarker {
	return &redisEventMarker{client: client, serviceName: serviceName, ttl: ttl}
}

// NewRedisClient создаёт клиента; соединение устанавливается лениво
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (m *redisEventMarker) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := m.client.Get(ctx, m.key(eventID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *redisEventMarker) Mark(ctx context.Context, eventID string) error {
	return m.client.Set(ctx, m.key(eventID), "1", m.ttl).Err()
}

func (m *redisEventMarker) key(eventID string) string {
	return fmt.Sprintf("%s:webhook_event:%s", m.serviceName, eventID)
}

// NopEventMarker используется без redis: каждое событие обрабатывается заново
type NopEventMarker struct{}

func (NopEventMarker) Seen(context.Context, string) (bool, error) { return false, nil }

func (NopEventMarker) Mark(context.Context, string) error { return nil }
