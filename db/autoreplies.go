package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/jackc/pgx/v5"
)

// ActiveAutoreply returns the user's autoreply when now falls inside its
// window, or nil. An unset start or end leaves that side of the window open.
func (db *Database) ActiveAutoreply(ctx context.Context, userID string, now time.Time) (*delivery.Autoreply, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var (
		ar         delivery.Autoreply
		start, end *time.Time
	)
	err := db.TimedQueryRow(ctx, "active_autoreply", `
		SELECT status, name, subject, text, html, start_at, end_at
		FROM autoreplies
		WHERE user_id = $1
		  AND (start_at IS NULL OR start_at <= $2)
		  AND (end_at IS NULL OR end_at >= $2)`, userID, now).
		Scan(&ar.Status, &ar.Name, &ar.Subject, &ar.Text, &ar.HTML, &start, &end)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load autoreply: %w", err)
	}
	if start != nil {
		ar.Start = *start
	}
	if end != nil {
		ar.End = *end
	}
	return &ar, nil
}

// SetAutoreply creates or replaces the user's autoreply and keeps the
// user's autoreply switch in sync with its status.
func (db *Database) SetAutoreply(ctx context.Context, userID string, ar delivery.Autoreply) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO autoreplies (user_id, status, name, subject, text, html, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status, name = EXCLUDED.name, subject = EXCLUDED.subject,
			text = EXCLUDED.text, html = EXCLUDED.html,
			start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at`,
		userID, ar.Status, ar.Name, ar.Subject, ar.Text, ar.HTML, nullTime(ar.Start), nullTime(ar.End))
	if err != nil {
		return fmt.Errorf("failed to store autoreply: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE users SET autoreply = $2 WHERE id = $1`, userID, ar.Status)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, consts.ErrUserNotFound)
	}
	return tx.Commit(ctx)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
