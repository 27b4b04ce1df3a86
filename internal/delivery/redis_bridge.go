package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voice-intent-pipeline/internal/models"
)

const deliveryChannel = "voice:deliveries"

// RedisNotifier publishes miniapp deliveries over Redis pub/sub so the API
// process, which owns the websocket connections, can forward them. The
// idempotency guarantee lives in the gateway's store claim, not here.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, d models.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	return n.client.Publish(ctx, deliveryChannel, body).Err()
}

// Forward subscribes to the delivery channel and pushes each frame into the
// hub. Runs until the context is cancelled; meant for the API process.
func Forward(ctx context.Context, client *redis.Client, hub *Hub, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscribe(ctx, deliveryChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var d models.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				logger.Warn("malformed delivery frame", zap.Error(err))
				continue
			}
			if err := hub.Notify(ctx, d); err != nil {
				// Client offline; it will fetch via GET /responses/{id}.
				logger.Debug("miniapp push skipped", zap.String("correlation_id", d.CorrelationID), zap.Error(err))
			}
		}
	}
}
