// Package delivery decides and executes what happens to one inbound message
// for one recipient: forwarding, autoreply, policy drop and mailbox storage.
//
// The stages run strictly in that order. Forward and autoreply failures are
// logged and skipped; only a failed store (or a message that cannot be
// prepared) fails the recipient.
package delivery

import (
	"context"
	"io"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/server/counters"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/archessay/wildduck/server/mailparse"
	"github.com/emersion/go-imap/v2"
)

// User is the recipient profile that drives delivery decisions.
type User struct {
	ID               string
	Address          string
	Name             string
	Forwards         int64
	Forward          []string
	TargetURL        string
	Autoreply        bool
	EncryptMessages  bool
	EncryptForwarded bool
	PubKey           string
}

// Autoreply is an out-of-office configuration. It is active when Status is
// set and now falls inside [Start, End].
type Autoreply struct {
	Status  bool
	Name    string
	Subject string
	Text    string
	HTML    string
	Start   time.Time
	End     time.Time
}

// MailboxKey selects how a target mailbox is looked up.
type MailboxKey string

const (
	MailboxByPath       MailboxKey = "path"
	MailboxBySpecialUse MailboxKey = "specialUse"
	MailboxByID         MailboxKey = "mailbox"
)

// Mailbox identifies the folder a message is stored into.
type Mailbox struct {
	Key   MailboxKey
	Value string
}

// StoreRequest is everything the message store needs for one recipient.
// The store skips the insert when an identical message already exists.
type StoreRequest struct {
	User           string
	Mailbox        Mailbox
	Message        *mailparse.Message
	Meta           mailparse.Meta
	Flags          []imap.Flag
	Filters        []string
	Outbound       []string
	ForwardTargets []filters.Target
}

// Stored describes an inserted (or already existing) message.
type Stored struct {
	ID       string
	Mailbox  string
	Existing bool
}

// LogEntry is written to the message log for every queued forward.
type LogEntry struct {
	ID        string
	MessageID string
	Action    string
	ParentID  string
	From      string
	To        string
	Targets   []filters.Target
	Created   time.Time
}

type FilterStore interface {
	UserFilters(ctx context.Context, userID string) ([]filters.Filter, error)
}

// AutoreplyStore returns the autoreply active at now, or nil.
type AutoreplyStore interface {
	ActiveAutoreply(ctx context.Context, userID string, now time.Time) (*Autoreply, error)
}

type MessageStore interface {
	StoreMessage(ctx context.Context, req StoreRequest) (*Stored, error)
}

type MessageLog interface {
	LogMessage(ctx context.Context, entry LogEntry) error
}

// Pusher queues an outbound message. *maildrop.Maildrop implements it.
type Pusher interface {
	Push(ctx context.Context, req maildrop.Request, body io.Reader) (*maildrop.Envelope, error)
}

// Encrypter encrypts a raw message for a public key. It returns nil output
// and no error when the message is already encrypted.
type Encrypter interface {
	Encrypt(pubKey string, raw []byte) ([]byte, error)
}

// Options are fixed at startup.
type Options struct {
	SenderEnabled     bool
	MaxForwards       int64
	ForwardWindow     time.Duration
	AutoreplyInterval time.Duration
	Zone              string
}

// Stores groups the document store collaborators.
type Stores struct {
	Filters     FilterStore
	Autoreplies AutoreplyStore
	Messages    MessageStore
	Log         MessageLog
}

// Handler runs the delivery pipeline. It holds no per-message state and is
// safe for concurrent use.
type Handler struct {
	opts      Options
	stores    Stores
	counters  counters.Counters
	pusher    Pusher
	encrypter Encrypter
	engine    *filters.Engine
	now       func() time.Time
}

// New creates a handler. A nil encrypter disables encryption.
func New(opts Options, stores Stores, c counters.Counters, pusher Pusher, encrypter Encrypter, engine *filters.Engine) *Handler {
	if opts.MaxForwards <= 0 {
		opts.MaxForwards = consts.MaxForwards
	}
	if opts.ForwardWindow <= 0 {
		opts.ForwardWindow = consts.ForwardWindow
	}
	if opts.AutoreplyInterval <= 0 {
		opts.AutoreplyInterval = consts.AutoreplyInterval
	}
	if engine == nil {
		engine = filters.NewEngine(nil)
	}
	return &Handler{
		opts:      opts,
		stores:    stores,
		counters:  c,
		pusher:    pusher,
		encrypter: encrypter,
		engine:    engine,
		now:       time.Now,
	}
}

// Request is one recipient of an inbound transaction. Prepared is shared
// between recipients and is never modified.
type Request struct {
	User      *User
	Sender    string
	Recipient string
	Prepared  *mailparse.Message
	Meta      mailparse.Meta
}

// Outcome is the result for one recipient. Dropped marks a message that was
// discarded by a filter; it is not an error. Prepared is the unencrypted
// message that may be reused for the next recipient, or nil when this
// recipient's copy was encrypted. Received is the user's inbound message
// count for the current window after a new store, 0 otherwise.
type Outcome struct {
	User      *User
	Response  string
	Err       error
	Dropped   bool
	MessageID string
	Outbound  []string
	Prepared  *mailparse.Message
	Received  int64
}
