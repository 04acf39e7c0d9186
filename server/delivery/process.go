package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/archessay/wildduck/server/mailparse"
	"github.com/emersion/go-imap/v2"
)

// state is the per-recipient working set threaded through the stages.
type state struct {
	req       Request
	msg       *mailparse.Message
	raw       []byte
	encrypted bool
	result    filters.Result
	outbound  []string
}

// Process runs forward, autoreply, drop and store for one recipient.
func (h *Handler) Process(ctx context.Context, req Request) Outcome {
	start := h.now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	st := &state{
		req: req,
		raw: req.Prepared.Raw(),
	}
	st.msg = withTrace(req.Prepared, req.Sender, req.Recipient)

	userFilters, err := h.stores.Filters.UserFilters(ctx, req.User.ID)
	if err != nil {
		logger.WarnContext(ctx, "Delivery: Filter lookup failed, continuing without filters", "user", req.User.ID, "error", err)
		userFilters = nil
	}
	st.result = h.engine.Evaluate(userFilters, st.msg)

	if id, err := h.forward(ctx, st); err != nil {
		metrics.ForwardsTotal.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "FRWRDFAIL", "id", st.msg.ID, "from", req.Sender, "to", req.Recipient,
			"target", targetValues(st.result.Targets), "error", err)
	} else if id != "" {
		metrics.ForwardsTotal.WithLabelValues("ok").Inc()
		st.outbound = append(st.outbound, id)
		logger.InfoContext(ctx, "FRWRDOK", "id", st.msg.ID, "queue_id", id, "from", req.Sender, "to", req.Recipient,
			"target", targetValues(st.result.Targets))
	}

	if id, err := h.autoreply(ctx, st); err != nil {
		metrics.AutorepliesTotal.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "AUTOREPLYFAIL", "id", st.msg.ID, "from", "<>", "to", req.Sender, "error", err)
	} else if id != "" {
		metrics.AutorepliesTotal.WithLabelValues("ok").Inc()
		st.outbound = append(st.outbound, id)
		logger.InfoContext(ctx, "AUTOREPLYOK", "id", st.msg.ID, "queue_id", id, "from", "<>", "to", req.Sender)
	}

	out := Outcome{User: req.User, Outbound: st.outbound}

	if filters.IsSet(st.result.Action.Delete) {
		metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
		out.Dropped = true
		out.Response = "Message dropped by policy as " + st.msg.ID
		out.Prepared = h.reusable(st)
		logger.InfoContext(ctx, "Delivery: Message dropped by policy", "id", st.msg.ID, "user", req.User.ID)
		return out
	}

	stored, err := h.store(ctx, st)
	out.Prepared = h.reusable(st)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		out.Err = err
		out.Response = err.Error()
		logger.ErrorContext(ctx, "Delivery: Failed to store message", "id", st.msg.ID, "user", req.User.ID, "error", err)
		return out
	}

	if stored.Existing {
		metrics.DeliveriesTotal.WithLabelValues("duplicate").Inc()
	} else {
		metrics.DeliveriesTotal.WithLabelValues("stored").Inc()
		out.Received = h.countReceived(ctx, req.User.ID)
	}
	out.MessageID = stored.ID
	out.Response = "Message stored as " + stored.ID
	logger.InfoContext(ctx, "Delivery: Message stored", "id", stored.ID, "user", req.User.ID,
		"mailbox", stored.Mailbox, "existing", stored.Existing, "received", out.Received,
		"filters", strings.Join(st.result.Matched, ","))
	return out
}

// countReceived bumps the user's inbound message counter and returns the
// count for the current window, or 0 when the counter store is unavailable.
func (h *Handler) countReceived(ctx context.Context, userID string) int64 {
	key := consts.ReceivedCounterPrefix + userID
	n, err := h.counters.CachedCounter(ctx, key, 1, consts.ReceivedWindow)
	if err != nil {
		logger.WarnContext(ctx, "Delivery: Received counter unavailable", "key", key, "error", err)
		return 0
	}
	return n
}

func (h *Handler) reusable(st *state) *mailparse.Message {
	if st.encrypted {
		return nil
	}
	return st.req.Prepared
}

// forward queues a copy to every forward target. It returns the queue id,
// or an empty id when forwarding was skipped.
func (h *Handler) forward(ctx context.Context, st *state) (string, error) {
	if !h.opts.SenderEnabled {
		return "", nil
	}

	user := st.req.User
	targets := st.result.Targets
	if targets == nil {
		targets = filters.NewTargetSet()
		st.result.Targets = targets
	}
	if !filters.IsSet(st.result.Action.Delete) {
		for _, addr := range user.Forward {
			targets.Add(filters.KindOf(addr), addr)
		}
		targets.Add(filters.TargetHTTP, user.TargetURL)
	}

	if targets.Len() == 0 || filters.IsSet(st.result.Action.Spam) {
		return "", nil
	}

	limit := user.Forwards
	if limit <= 0 {
		limit = h.opts.MaxForwards
	}
	key := consts.ForwardCounterPrefix + user.ID
	res, err := h.counters.TTLCounter(ctx, key, int64(targets.Len()), limit, h.opts.ForwardWindow)
	if err != nil {
		// the limiter is unavailable; the forward still goes out
		logger.ErrorContext(ctx, "FRWRDFAIL", "key", key, "error", err)
	} else if !res.Success {
		metrics.ForwardsTotal.WithLabelValues("limited").Inc()
		logger.DebugContext(ctx, "FRWRDFAIL", "key", key, "error", "Precondition failed", "value", res.Value)
		return "", nil
	}

	if err := h.encrypt(ctx, st, user.EncryptForwarded && user.PubKey != ""); err != nil {
		return "", err
	}

	env, err := h.pusher.Push(ctx, maildrop.Request{
		ParentID:  st.msg.ID,
		Reason:    "forward",
		Interface: "forwarder",
		From:      st.req.Sender,
		To:        []string{st.req.Recipient},
		Targets:   targets.List(),
		Zone:      h.opts.Zone,
	}, bytes.NewReader(st.raw))
	if err != nil {
		var mdErr *maildrop.Error
		if !errors.As(err, &mdErr) {
			err = &maildrop.Error{Code: "ERRCOMPOSE", Message: err.Error(), Err: err}
		}
		return "", err
	}

	if h.stores.Log != nil {
		err := h.stores.Log.LogMessage(ctx, LogEntry{
			ID:        env.ID,
			MessageID: env.MessageID,
			Action:    "FORWARD",
			ParentID:  st.msg.ID,
			From:      st.req.Sender,
			To:        st.req.Recipient,
			Targets:   targets.List(),
			Created:   h.now(),
		})
		if err != nil {
			logger.WarnContext(ctx, "Delivery: Failed to write message log", "id", env.ID, "error", err)
		}
	}
	return env.ID, nil
}

// store resolves the target mailbox and flags and hands the message to the
// message store.
func (h *Handler) store(ctx context.Context, st *state) (*Stored, error) {
	action := st.result.Action
	mailbox := Mailbox{Key: MailboxByPath, Value: consts.MailboxInbox}
	var flags []imap.Flag

	if filters.IsSet(action.Spam) {
		mailbox = Mailbox{Key: MailboxBySpecialUse, Value: consts.SpecialUseJunk}
	}
	if action.Mailbox != nil && *action.Mailbox != "" {
		mailbox = Mailbox{Key: MailboxByID, Value: *action.Mailbox}
	}
	if filters.IsSet(action.Seen) {
		flags = append(flags, imap.FlagSeen)
	}
	if filters.IsSet(action.Flag) {
		flags = append(flags, imap.FlagFlagged)
	}

	user := st.req.User
	if err := h.encrypt(ctx, st, user.EncryptMessages && user.PubKey != ""); err != nil {
		return nil, err
	}

	return h.stores.Messages.StoreMessage(ctx, StoreRequest{
		User:           user.ID,
		Mailbox:        mailbox,
		Message:        st.msg,
		Meta:           mergeMeta(st.req.Meta, st.msg.Meta),
		Flags:          flags,
		Filters:        st.result.Matched,
		Outbound:       st.outbound,
		ForwardTargets: st.result.Targets.List(),
	})
}

// encrypt replaces the working copy with an encrypted one at most once per
// recipient. Encryption failures leave the message in plaintext.
func (h *Handler) encrypt(ctx context.Context, st *state, cond bool) error {
	if !cond || st.encrypted || h.encrypter == nil {
		return nil
	}

	out, err := h.encrypter.Encrypt(st.req.User.PubKey, st.raw)
	if err != nil {
		logger.WarnContext(ctx, "Delivery: Encryption failed, keeping plaintext", "user", st.req.User.ID, "error", err)
		return nil
	}
	if out == nil {
		return nil
	}

	prepared, err := mailparse.Prepare(out)
	if err != nil {
		return fmt.Errorf("failed to prepare encrypted message: %w", err)
	}
	prepared.ID = st.req.Prepared.ID
	prepared.Encrypted = true
	st.raw = out
	st.encrypted = true
	st.msg = withTrace(prepared, st.req.Sender, st.req.Recipient)
	return nil
}

// withTrace returns a copy of msg with the per-recipient Delivered-To and
// Return-Path headers on top.
func withTrace(msg *mailparse.Message, sender, recipient string) *mailparse.Message {
	c := msg.Clone()
	c.Headers.Add("Return-Path", "<"+sender+">")
	c.Headers.Add("Delivered-To", recipient)
	return c
}

// mergeMeta prefers trace-header values over session values.
func mergeMeta(session, trace mailparse.Meta) mailparse.Meta {
	m := session
	if trace.Transtype != "" {
		m.Transtype = trace.Transtype
	}
	if trace.QueueID != "" {
		m.QueueID = trace.QueueID
	}
	if trace.Origin != "" {
		m.Origin = trace.Origin
	}
	if m.OriginHost == "" {
		m.OriginHost = trace.OriginHost
	}
	if m.Time.IsZero() {
		m.Time = trace.Time
	}
	return m
}

func targetValues(set *filters.TargetSet) string {
	list := set.List()
	values := make([]string, len(list))
	for i, t := range list {
		values[i] = t.Value
	}
	return strings.Join(values, ",")
}
