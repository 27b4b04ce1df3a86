// Package delivery is the single authority allowed to emit a response to a
// channel. Everything else in the pipeline hands results here and trusts the
// correlation id to suppress duplicates.
package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"voice-intent-pipeline/internal/models"
	"voice-intent-pipeline/internal/telemetry"
)

// Store claims the one delivery slot per correlation id.
type Store interface {
	RecordDelivery(ctx context.Context, d models.Delivery) (bool, error)
}

// Notifier pushes a recorded response out on one channel type.
type Notifier interface {
	Notify(ctx context.Context, d models.Delivery) error
}

// Gateway is the single writer. Deliver is idempotent by correlation id: the
// first call records and pushes, repeats are no-ops regardless of content.
type Gateway struct {
	store     Store
	notifiers map[string]Notifier
	logger    *zap.Logger
}

func NewGateway(store Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:     store,
		notifiers: make(map[string]Notifier),
		logger:    logger,
	}
}

// Register binds a notifier to a channel identifier.
func (g *Gateway) Register(channel string, n Notifier) {
	if channel == "" || n == nil {
		return
	}
	g.notifiers[channel] = n
}

// Deliver records and pushes the response. Returns true when this call was
// the effective one. A push failure after a successful claim still counts as
// delivered: the response is durably recorded and channels can fetch it, and
// retrying the push would reopen the duplicate-response hole.
func (g *Gateway) Deliver(ctx context.Context, d models.Delivery) (bool, error) {
	if d.CorrelationID == "" {
		return false, fmt.Errorf("delivery without correlation id")
	}
	claimed, err := g.store.RecordDelivery(ctx, d)
	if err != nil {
		return false, err
	}
	if !claimed {
		telemetry.DeliveriesDup.Inc()
		g.logger.Debug("duplicate delivery suppressed", zap.String("correlation_id", d.CorrelationID))
		return false, nil
	}

	telemetry.DeliveriesSent.Inc()
	n, ok := g.notifiers[d.Channel]
	if !ok {
		g.logger.Error("no notifier for channel",
			zap.String("channel", d.Channel),
			zap.String("correlation_id", d.CorrelationID))
		return true, nil
	}
	if err := n.Notify(ctx, d); err != nil {
		g.logger.Warn("channel push failed, response remains fetchable",
			zap.String("channel", d.Channel),
			zap.String("correlation_id", d.CorrelationID),
			zap.Error(err))
	}
	return true, nil
}
