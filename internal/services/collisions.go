package services

import (
	"context"

	"go.uber.org/zap"

	"collicam/internal/database"
	"collicam/internal/pipeline"
)

// CollisionLog records every collision it is alerted about
type CollisionLog struct {
	store  Store
	logger *zap.Logger
}

// NewCollisionLog creates a new collision log
func NewCollisionLog(store Store, logger *zap.Logger) *CollisionLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollisionLog{store: store, logger: logger.Named("collisions")}
}

var _ pipeline.Alerter = (*CollisionLog)(nil)

// Alert saves the collision
func (c *CollisionLog) Alert(ctx context.Context, event pipeline.CollisionEvent) error {
	err := c.store.SaveCollision(&database.CollisionRecord{
		Source:    event.Source,
		Classes:   event.Classes(),
		Pairs:     len(event.Pairs),
		Timestamp: event.At,
	})
	if err != nil {
		c.logger.Warn("failed to save collision", zap.String("source", event.Source), zap.Error(err))
	}
	return err
}
