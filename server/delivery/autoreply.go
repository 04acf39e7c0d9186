package delivery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/helpers"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// autoreply queues an out-of-office reply to the sender. Lookup failures
// and rate limiting skip the reply without an error.
func (h *Handler) autoreply(ctx context.Context, st *state) (string, error) {
	user := st.req.User
	if !h.opts.SenderEnabled || st.req.Sender == "" || !user.Autoreply || filters.IsSet(st.result.Action.Spam) {
		return "", nil
	}
	if !autoreplyAllowed(st.req.Prepared.Headers, st.req.Sender) {
		metrics.AutorepliesTotal.WithLabelValues("skipped").Inc()
		return "", nil
	}

	now := h.now()
	ar, err := h.stores.Autoreplies.ActiveAutoreply(ctx, user.ID, now)
	if err != nil {
		logger.WarnContext(ctx, "Delivery: Autoreply lookup failed", "user", user.ID, "error", err)
		return "", nil
	}
	if ar == nil || !ar.Status {
		return "", nil
	}

	key := consts.AutoreplyCounterPrefix + user.ID + ":" + helpers.NormalizeAddress(st.req.Sender)
	res, err := h.counters.TTLCounter(ctx, key, 1, 1, h.opts.AutoreplyInterval)
	if err != nil {
		logger.WarnContext(ctx, "Delivery: Autoreply counter unavailable", "key", key, "error", err)
	} else if !res.Success {
		metrics.AutorepliesTotal.WithLabelValues("limited").Inc()
		return "", nil
	}

	raw, err := composeAutoreply(ar, user, st.req.Recipient, st.req.Sender, st.req.Prepared.Headers, now)
	if err != nil {
		return "", &maildrop.Error{Code: "ERRCOMPOSE", Message: err.Error(), Err: err}
	}

	env, err := h.pusher.Push(ctx, maildrop.Request{
		ParentID:  st.msg.ID,
		Reason:    "autoreply",
		Interface: "autoreplies",
		To:        []string{st.req.Sender},
		Zone:      h.opts.Zone,
	}, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	return env.ID, nil
}

// autoreplyAllowed rejects automated mail, mailing lists and bounces.
func autoreplyAllowed(headers *mailsplit.Headers, sender string) bool {
	if v := strings.ToLower(strings.TrimSpace(headers.Get("Auto-Submitted"))); v != "" && v != "no" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(headers.Get("Precedence"))) {
	case "list", "bulk", "junk", "auto_reply":
		return false
	}
	for _, key := range []string{"List-Id", "List-Unsubscribe"} {
		if headers.Has(key) {
			return false
		}
	}

	local, _ := helpers.SplitEmailAddress(strings.ToLower(sender))
	switch local {
	case "mailer-daemon", "postmaster", "noreply", "no-reply", "donotreply", "do-not-reply":
		return false
	}
	return true
}

// composeAutoreply builds the reply message in the way vacation responses
// are built: plain text, or text plus HTML as alternatives.
func composeAutoreply(ar *Autoreply, user *User, recipient, sender string, original *mailsplit.Headers, now time.Time) ([]byte, error) {
	var h mail.Header

	name := ar.Name
	if name == "" {
		name = user.Name
	}
	h.SetAddressList("From", []*mail.Address{{Name: name, Address: recipient}})
	h.SetAddressList("To", []*mail.Address{{Address: sender}})
	h.SetDate(now)
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")

	var orig mail.Header
	orig.Set("Subject", original.Get("Subject"))
	orig.Set("Message-Id", original.Get("Message-Id"))
	subject := ar.Subject
	if subject == "" {
		s, _ := orig.Subject()
		subject = "Auto: " + s
	}
	h.SetSubject(subject)

	if id, err := orig.MessageID(); err == nil && id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}

	text := ar.Text
	if text == "" && ar.HTML != "" {
		text = html2text.HTML2Text(ar.HTML)
	}

	var buf bytes.Buffer
	if ar.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create autoreply: %w", err)
		}
		if _, err := w.Write([]byte(text)); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create autoreply: %w", err)
	}
	for _, part := range []struct{ typ, body string }{{"text/plain", text}, {"text/html", ar.HTML}} {
		var ph mail.InlineHeader
		ph.SetContentType(part.typ, map[string]string{"charset": "utf-8"})
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
