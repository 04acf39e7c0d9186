package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/archessay/wildduck/server/maildrop"
	"github.com/jackc/pgx/v5"
)

const insertQueueRecord = `
	INSERT INTO zone_queue (id, seq, domain, sending_zone, assigned, recipient, locked, lock_time,
		queued, created, http, target_url, mx, mx_port, mx_auth, mx_secure, skip_srs)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (id, seq) DO NOTHING`

// queueArgs returns the insert parameters for one record.
func queueArgs(r maildrop.QueueRecord) []any {
	var mx any
	if len(r.MX) > 0 {
		mx = r.MX
	}
	var auth any
	if r.MXAuth != nil {
		auth = r.MXAuth
	}
	return []any{
		r.ID, r.Seq, r.Domain, r.SendingZone, r.Assigned, r.Recipient, r.Locked, r.LockTime,
		r.Queued, r.Created, r.HTTP, r.TargetURL, mx, r.MXPort, auth, r.MXSecure, r.SkipSRS,
	}
}

// InsertMany writes queue records in one batch. The batch runs as a single
// implicit transaction: a failing record rolls back the whole batch.
// Records that already exist are skipped, so a retried push does not
// duplicate deliveries.
func (db *Database) InsertMany(ctx context.Context, records []maildrop.QueueRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertQueueRecord, queueArgs(r)...)
	}

	br := db.Pool.SendBatch(ctx, batch)
	var firstErr error
	for _, r := range records {
		if _, err := br.Exec(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to queue %s.%s: %w", r.ID, r.Seq, err)
		}
	}
	closeErr := br.Close()
	observe("insert_queue", start, errors.Join(firstErr, closeErr))

	if firstErr != nil {
		return firstErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to queue records: %w", closeErr)
	}
	return nil
}
