package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/helpers"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
)

const userColumns = `u.id, u.address, u.name, u.forwards, u.forward, u.target_url, u.autoreply,
	u.encrypt_messages, u.encrypt_forwarded, u.pub_key`

// defaultSpecialUse maps the default folders to their special-use attribute.
var defaultSpecialUse = map[string]imap.MailboxAttr{
	"Sent":    imap.MailboxAttrSent,
	"Drafts":  imap.MailboxAttrDrafts,
	"Archive": imap.MailboxAttrArchive,
	"Junk":    imap.MailboxAttrJunk,
	"Trash":   imap.MailboxAttrTrash,
}

// UsernameView strips dots from a username the same way addresses are
// folded for lookup.
func UsernameView(username string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(username)), ".", "")
}

// UserByAddress resolves a recipient to its user. Values without "@" are
// treated as usernames. Unknown recipients return consts.ErrUserNotFound.
func (db *Database) UserByAddress(ctx context.Context, address string) (*delivery.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var row pgx.Row
	if strings.Contains(address, "@") {
		row = db.TimedQueryRow(ctx, "user_by_address", `
			SELECT `+userColumns+`
			FROM addresses a JOIN users u ON u.id = a.user_id
			WHERE a.addrview = $1`, helpers.AddressView(address))
	} else {
		row = db.TimedQueryRow(ctx, "user_by_username", `
			SELECT `+userColumns+` FROM users u WHERE u.unameview = $1`, UsernameView(address))
	}

	u := &delivery.User{}
	err := row.Scan(&u.ID, &u.Address, &u.Name, &u.Forwards, &u.Forward, &u.TargetURL, &u.Autoreply,
		&u.EncryptMessages, &u.EncryptForwarded, &u.PubKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up user %s: %w", address, err)
	}
	return u, nil
}

// NewUser describes an account to create.
type NewUser struct {
	Username  string
	Address   string
	Name      string
	Forwards  int64
	Forward   []string
	TargetURL string
	PubKey    string
}

// CreateUser inserts a user, its primary address and the default mailboxes
// in one transaction and returns the user id.
func (db *Database) CreateUser(ctx context.Context, nu NewUser) (string, error) {
	if nu.Username == "" || !strings.Contains(nu.Address, "@") {
		return "", fmt.Errorf("username and a valid address are required")
	}
	if nu.Forward == nil {
		nu.Forward = []string{}
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	address := helpers.NormalizeAddress(nu.Address)
	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO users (username, unameview, address, name, forwards, forward, target_url, pub_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		nu.Username, UsernameView(nu.Username), address, nu.Name, nu.Forwards, nu.Forward, nu.TargetURL, nu.PubKey,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("user %s: %w", nu.Username, ErrDuplicate)
		}
		return "", fmt.Errorf("failed to insert user: %w", err)
	}

	if err := addAddress(ctx, tx, id, address); err != nil {
		return "", err
	}

	for _, path := range consts.DefaultMailboxes {
		var specialUse *string
		if attr, ok := defaultSpecialUse[path]; ok {
			s := string(attr)
			specialUse = &s
		}
		_, err := tx.Exec(ctx, `INSERT INTO mailboxes (user_id, path, special_use) VALUES ($1, $2, $3)`,
			id, path, specialUse)
		if err != nil {
			return "", fmt.Errorf("failed to create mailbox %s: %w", path, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit user: %w", err)
	}
	return id, nil
}

// AddAddress attaches an additional address to a user.
func (db *Database) AddAddress(ctx context.Context, userID, address string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := addAddress(ctx, tx, userID, helpers.NormalizeAddress(address)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func addAddress(ctx context.Context, tx pgx.Tx, userID, address string) error {
	_, err := tx.Exec(ctx, `INSERT INTO addresses (user_id, address, addrview) VALUES ($1, $2, $3)`,
		userID, address, helpers.AddressView(address))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("address %s: %w", address, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert address: %w", err)
	}
	return nil
}

// UserSettings are the delivery options editable after creation.
type UserSettings struct {
	Forwards         *int64
	Forward          []string
	TargetURL        *string
	EncryptMessages  *bool
	EncryptForwarded *bool
	PubKey           *string
}

// UpdateUser applies the non-nil settings.
func (db *Database) UpdateUser(ctx context.Context, userID string, s UserSettings) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	err := db.TimedExec(ctx, "update_user", `
		UPDATE users SET
			forwards = COALESCE($2, forwards),
			forward = COALESCE($3, forward),
			target_url = COALESCE($4, target_url),
			encrypt_messages = COALESCE($5, encrypt_messages),
			encrypt_forwarded = COALESCE($6, encrypt_forwarded),
			pub_key = COALESCE($7, pub_key)
		WHERE id = $1`,
		userID, s.Forwards, s.Forward, s.TargetURL, s.EncryptMessages, s.EncryptForwarded, s.PubKey)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", userID, err)
	}
	return nil
}
