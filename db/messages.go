package db

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/mailparse"
	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/jackc/pgx/v5"
	"lukechampine.com/blake3"
)

// ContentHash is the idempotency key of a stored message.
func ContentHash(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// storedMeta is the JSON form of mailparse.Meta.
type storedMeta struct {
	Transtype  string    `json:"transtype,omitempty"`
	QueueID    string    `json:"queueId,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	OriginHost string    `json:"originhost,omitempty"`
	Time       time.Time `json:"time"`
}

func toStoredMeta(m mailparse.Meta) storedMeta {
	return storedMeta{
		Transtype:  m.Transtype,
		QueueID:    m.QueueID,
		Origin:     m.Origin,
		OriginHost: m.OriginHost,
		Time:       m.Time,
	}
}

// mailboxLookup returns the query that resolves a mailbox for a user.
func mailboxLookup(key delivery.MailboxKey) (string, error) {
	const base = `SELECT id, path FROM mailboxes WHERE user_id = $1 AND `
	switch key {
	case delivery.MailboxByPath:
		return base + `path = $2`, nil
	case delivery.MailboxBySpecialUse:
		return base + `special_use = $2`, nil
	case delivery.MailboxByID:
		return base + `id = $2`, nil
	default:
		return "", fmt.Errorf("unknown mailbox key %q", key)
	}
}

// resolveMailbox finds the target folder. A missing special-use or id
// target falls back to INBOX.
func resolveMailbox(ctx context.Context, tx pgx.Tx, userID string, mb delivery.Mailbox) (id, path string, err error) {
	query, err := mailboxLookup(mb.Key)
	if err != nil {
		return "", "", err
	}
	err = tx.QueryRow(ctx, query, userID, mb.Value).Scan(&id, &path)
	if err == nil {
		return id, path, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("failed to resolve mailbox: %w", err)
	}

	inbox := delivery.Mailbox{Key: delivery.MailboxByPath, Value: consts.MailboxInbox}
	if mb == inbox {
		return "", "", consts.ErrMailboxNotFound
	}
	return resolveMailbox(ctx, tx, userID, inbox)
}

// StoreMessage inserts the message into the resolved mailbox. Delivering
// the same content to the same user twice returns the existing message.
func (db *Database) StoreMessage(ctx context.Context, req delivery.StoreRequest) (*delivery.Stored, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	msg := req.Message
	raw := msg.Raw()
	hash := ContentHash(raw)

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if existing, err := findByHash(ctx, tx, req.User, hash); err != nil || existing != nil {
		return existing, err
	}

	mailboxID, path, err := resolveMailbox(ctx, tx, req.User, req.Mailbox)
	if err != nil {
		return nil, err
	}

	var uid int64
	err = tx.QueryRow(ctx, `UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = $1 RETURNING uid_next - 1`,
		mailboxID).Scan(&uid)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate uid: %w", err)
	}

	flags := make([]string, len(req.Flags))
	for i, f := range req.Flags {
		flags[i] = string(f)
	}
	targets := req.ForwardTargets
	if targets == nil {
		targets = []filters.Target{}
	}
	headers := msg.Headers.List()
	if headers == nil {
		headers = []mailsplit.HeaderLine{}
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (user_id, mailbox_id, uid, prepared_id, content_hash, message_id, subject, size,
			flags, filters, outbound, forward_targets, meta, headers, raw, text, has_attachments, encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (user_id, content_hash) DO NOTHING
		RETURNING id`,
		req.User, mailboxID, uid, msg.ID, hash, msg.Headers.Get("Message-ID"), msg.Headers.Get("Subject"), int64(len(raw)),
		flags, nonNil(req.Filters), nonNil(req.Outbound), targets, toStoredMeta(req.Meta), headers, raw,
		msg.Maildata.Text, msg.Maildata.HasAttachments(), msg.Encrypted,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// a concurrent delivery inserted the same content first
		if err := tx.Rollback(ctx); err != nil {
			return nil, err
		}
		return db.existingByHash(ctx, req.User, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &delivery.Stored{ID: id, Mailbox: path}, nil
}

func (db *Database) existingByHash(ctx context.Context, userID, hash string) (*delivery.Stored, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	stored, err := findByHash(ctx, tx, userID, hash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("message %s: %w", hash, consts.ErrDBInsertFailed)
	}
	return stored, nil
}

func findByHash(ctx context.Context, tx pgx.Tx, userID, hash string) (*delivery.Stored, error) {
	var s delivery.Stored
	err := tx.QueryRow(ctx, `
		SELECT m.id, mb.path FROM messages m JOIN mailboxes mb ON mb.id = m.mailbox_id
		WHERE m.user_id = $1 AND m.content_hash = $2`, userID, hash).Scan(&s.ID, &s.Mailbox)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	s.Existing = true
	return &s, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
