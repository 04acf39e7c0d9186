package maildrop

import (
	"strings"
	"time"

	"github.com/archessay/wildduck/helpers"
	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// dateLayout is the RFC 5322 date format with a numeric UTC offset.
const dateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// minDate is the oldest Date header accepted as plausible.
var minDate = time.Unix(1, 0)

// UpdateHeaders normalizes the outbound headers in place and records the
// parsed addresses, Message-ID and Date on the envelope. Running it twice
// leaves the headers unchanged.
func (m *Maildrop) UpdateHeaders(env *Envelope, headers *mailsplit.Headers) {
	env.ParsedEnvelope = ParsedEnvelope{
		From:    first(parseAddressList(headers, "from")),
		To:      parseAddressList(headers, "to"),
		Cc:      parseAddressList(headers, "cc"),
		Bcc:     parseAddressList(headers, "bcc"),
		ReplyTo: first(parseAddressList(headers, "reply-to")),
		Sender:  first(parseAddressList(headers, "sender")),
	}

	messageID := headers.Get("Message-ID")
	if messageID == "" {
		domain := helpers.RecipientDomain(env.From)
		if !strings.Contains(env.From, "@") || domain == "" {
			domain = m.hostname
		}
		messageID = "<" + uuid.NewString() + "@" + domain + ">"
		headers.Remove("Message-ID") // may exist with an empty value
		headers.Add("Message-ID", messageID)
	}
	env.MessageID = messageID

	date := headers.Get("Date")
	if !plausibleDate(date) {
		date = m.now().UTC().Format(dateLayout)
		headers.Remove("Date")
		headers.Add("Date", date)
	}
	env.Date = date

	headers.Remove("Bcc")
}

func plausibleDate(value string) bool {
	if value == "" {
		return false
	}
	var h mail.Header
	h.Set("Date", value)
	t, err := h.Date()
	if err != nil {
		return false
	}
	return !t.Before(minDate)
}

// parseAddressList parses every header named key into normalized addresses.
// Groups are flattened and duplicates dropped, keeping first-seen order.
func parseAddressList(headers *mailsplit.Headers, key string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, value := range headers.GetAll(key) {
		if strings.TrimSpace(value) == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(value)
		if err != nil {
			addrs = looseAddressList(value)
		}
		for _, a := range addrs {
			if a.Address == "" {
				continue
			}
			normalized := helpers.NormalizeAddress(a.Address)
			if _, ok := seen[normalized]; ok {
				continue
			}
			seen[normalized] = struct{}{}
			out = append(out, normalized)
		}
	}
	return out
}

// looseAddressList is the fallback for lists the strict parser rejects: it
// keeps every comma separated element that parses on its own.
func looseAddressList(value string) []*mail.Address {
	var out []*mail.Address
	for _, part := range strings.Split(value, ",") {
		if a, err := mail.ParseAddress(strings.TrimSpace(part)); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func first(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}
