package db

import (
	"context"
	"fmt"

	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/filters"
)

// LogMessage records an outbound action for later tracing.
func (db *Database) LogMessage(ctx context.Context, e delivery.LogEntry) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	targets := e.Targets
	if targets == nil {
		targets = []filters.Target{}
	}
	err := db.TimedExec(ctx, "log_message", `
		INSERT INTO message_log (queue_id, message_id, action, parent_id, sender, recipient, targets, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.MessageID, e.Action, e.ParentID, e.From, e.To, targets, e.Created)
	if err != nil {
		return fmt.Errorf("failed to write message log: %w", err)
	}
	return nil
}
