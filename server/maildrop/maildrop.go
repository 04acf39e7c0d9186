// Package maildrop turns one outbound message into a stored body plus one
// queue record per delivery target for the sending workers.
package maildrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/helpers"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/idgen"
	"github.com/archessay/wildduck/server/mailsplit"
)

// UploadOptions describe a stored message body.
type UploadOptions struct {
	ContentType string
	Created     time.Time
}

// BlobStore keeps queued message bodies and their envelope metadata.
type BlobStore interface {
	// Upload stores everything read from r under name. The object must be
	// durable when Upload returns nil.
	Upload(ctx context.Context, name string, r io.Reader, opts UploadOptions) error
	// SetMeta attaches the envelope to a stored object.
	SetMeta(ctx context.Context, name string, env *Envelope) error
	// Unlink removes an object and its metadata.
	Unlink(ctx context.Context, name string) error
}

// QueueStore persists queue records.
type QueueStore interface {
	// InsertMany inserts all records or none. Records already present are
	// skipped, so a retried insert is harmless.
	InsertMany(ctx context.Context, records []QueueRecord) error
}

// Request describes one outbound message. ID is generated and Interface
// defaults to "maildrop" when empty. Zone overrides the default sending
// zone; SendTime is the earliest delivery time and defaults to now.
type Request struct {
	ID        string
	ParentID  string
	Reason    string
	Interface string
	From      string
	To        []string
	Targets   []filters.Target
	Zone      string
	SendTime  time.Time
}

// Options configure a Maildrop.
type Options struct {
	Zone     string
	Hostname string
}

// Maildrop is the outbound queue builder. It is safe for concurrent use.
type Maildrop struct {
	blobs    BlobStore
	queue    QueueStore
	zone     string
	hostname string
	now      func() time.Time
	newID    func() string
}

// New creates a queue builder.
func New(blobs BlobStore, queue QueueStore, opts Options) *Maildrop {
	zone := opts.Zone
	if zone == "" {
		zone = "default"
	}
	hostname := opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Maildrop{
		blobs:    blobs,
		queue:    queue,
		zone:     zone,
		hostname: hostname,
		now:      time.Now,
		newID:    idgen.New,
	}
}

// BlobName is the storage name of a queued message body.
func BlobName(id string) string {
	return "message " + id
}

// Push streams body into storage and queues one record per delivery. No
// storage is touched when the request has no deliverable recipient.
func (m *Maildrop) Push(ctx context.Context, req Request, body io.Reader) (*Envelope, error) {
	start := time.Now()
	defer func() {
		metrics.QueuePushDuration.Observe(time.Since(start).Seconds())
	}()

	deliveries, err := m.deliveries(req)
	if err != nil {
		metrics.QueuedMessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = m.newID()
	}
	iface := req.Interface
	if iface == "" {
		iface = "maildrop"
	}

	env := &Envelope{
		ID:        id,
		From:      req.From,
		To:        append([]string{}, req.To...),
		Interface: iface,
		Transtype: "API",
		Time:      m.now().UnixMilli(),
		ParentID:  req.ParentID,
		Reason:    req.Reason,
		DKIM:      DKIM{HashAlgo: "sha256"},
	}

	name := BlobName(id)
	if err := m.store(ctx, name, env, body); err != nil {
		metrics.QueuedMessagesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := m.blobs.SetMeta(ctx, name, env); err != nil {
		m.unlink(name)
		metrics.QueuedMessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to store envelope for %s: %w", id, err)
	}

	records := m.records(id, req, deliveries)
	if err := m.queue.InsertMany(ctx, records); err != nil {
		metrics.QueuedMessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to queue %s: %w", id, err)
	}

	metrics.QueuedMessagesTotal.WithLabelValues("queued").Inc()
	metrics.QueueRecordsTotal.Add(float64(len(records)))
	logger.Debug("Maildrop: queued message", "id", id, "message_id", env.MessageID,
		"reason", env.Reason, "records", len(records))
	return env, nil
}

// store pipes the body through the header splitter into the blob store.
// Headers are normalized on the way; the body hash is computed from the
// same bytes that are stored.
func (m *Maildrop) store(ctx context.Context, name string, env *Envelope, body io.Reader) error {
	hash := NewBodyHash()
	pr, pw := io.Pipe()

	splitter := mailsplit.NewSplitter(io.MultiWriter(pw, hash))
	splitter.OnHeaders = func(h *mailsplit.Headers) error {
		m.UpdateHeaders(env, h)
		return nil
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(splitter, body)
		if err == nil {
			err = splitter.Close()
		}
		pw.CloseWithError(err)
		copyDone <- err
	}()

	uploadErr := m.blobs.Upload(ctx, name, pr, UploadOptions{
		ContentType: "message/rfc822",
		Created:     m.now(),
	})
	// unblock the producer if the upload stopped reading early
	pr.CloseWithError(errUploadFinished)
	copyErr := <-copyDone

	readFailed := copyErr != nil && !errors.Is(copyErr, errUploadFinished)
	switch {
	case readFailed:
		m.unlink(name)
		return fmt.Errorf("failed to read message: %w", copyErr)
	case uploadErr != nil:
		m.unlink(name)
		return fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, uploadErr)
	case copyErr != nil:
		m.unlink(name)
		return fmt.Errorf("%w: upload ended before the message was read", consts.ErrS3UploadFailed)
	}

	env.Headers = splitter.Headers().List()
	env.DKIM.BodyHash = hash.Sum()
	env.BodySize = splitter.BodySize()
	return nil
}

var errUploadFinished = errors.New("upload finished")

// unlink removes a partially stored body. It runs detached from the request
// context so a cancelled request still cleans up.
func (m *Maildrop) unlink(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.blobs.Unlink(ctx, name); err != nil {
		logger.Warn("Maildrop: failed to remove stored body", "name", name, "error", err)
	}
}

func (m *Maildrop) deliveries(req Request) ([]delivery, error) {
	var out []delivery

	for _, target := range req.Targets {
		recipients := append(append([]string{}, req.To...), target.Recipients...)

		switch target.Kind {
		case filters.TargetMail:
			out = append(out, delivery{to: target.Value})

		case filters.TargetRelay:
			relay, err := ParseRelay(target.Value)
			if err != nil {
				logger.Warn("Maildrop: skipping relay target", "error", err)
				continue
			}
			for _, to := range recipients {
				out = append(out, delivery{to: to, relay: relay, skipSRS: true})
			}

		case filters.TargetHTTP:
			for _, to := range recipients {
				out = append(out, delivery{to: to, http: true, targetURL: target.Value, skipSRS: true})
			}
		}
	}

	// explicit targets that all failed to resolve never fall back to To
	if len(out) == 0 && len(req.Targets) == 0 {
		for _, to := range req.To {
			if strings.TrimSpace(to) != "" {
				out = append(out, delivery{to: to})
			}
		}
	}

	if len(out) == 0 {
		return nil, errNoRecipients
	}
	if len(out) > consts.MaxQueueTargets {
		return nil, errTooManyTargets
	}
	return out, nil
}

func (m *Maildrop) records(id string, req Request, deliveries []delivery) []QueueRecord {
	created := m.now()
	queued := created
	if !req.SendTime.IsZero() {
		queued = req.SendTime
	}
	zone := req.Zone
	if zone == "" {
		zone = m.zone
	}

	records := make([]QueueRecord, 0, len(deliveries))
	for i, d := range deliveries {
		rec := QueueRecord{
			ID:          id,
			Seq:         fmt.Sprintf("%02x", i+1),
			Domain:      helpers.RecipientDomain(d.to),
			SendingZone: zone,
			Assigned:    "no",
			Recipient:   d.to,
			Locked:      false,
			LockTime:    0,
			Queued:      queued,
			Created:     created,
			SkipSRS:     d.skipSRS,
		}
		if d.http {
			rec.HTTP = true
			rec.TargetURL = d.targetURL
		}
		if d.relay != nil {
			rec.MX = d.relay.MX
			rec.MXPort = d.relay.Port
			rec.MXAuth = d.relay.Auth
			rec.MXSecure = d.relay.Secure
		}
		records = append(records, rec)
	}
	return records
}
