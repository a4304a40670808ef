package db

import (
	"context"

	"github.com/mkovalenko/community-directory-backend/pkg/db/models"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
)

// Migrate brings the embedded store up to the current schema. SQLite ships
// inside the process, so schema management happens at startup rather than in
// a separate migration pipeline.
func (c *Client) Migrate(ctx context.Context, logg *logger.Logger) error {
	err := c.conn.WithContext(ctx).AutoMigrate(
		&models.Place{},
		&models.BusinessOwner{},
		&models.Subscription{},
		&models.SubscriptionPeriod{},
		&models.PaymentEvent{},
		&models.AuditLogEntry{},
		&models.PlaceLike{},
	)
	if err != nil {
		return err
	}
	if logg != nil {
		logg.Info(ctx, "database schema up to date")
	}
	return nil
}
