// Package mailparse turns a raw inbound message into the prepared form that
// filters and delivery work on.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/archessay/wildduck/server/idgen"
	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// Attachment describes one non-body MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
}

// Maildata is the content projection used by filters.
type Maildata struct {
	Text        string
	HTML        string
	Attachments []Attachment
}

// HasAttachments reports whether the message carries at least one attachment.
func (d *Maildata) HasAttachments() bool {
	return len(d.Attachments) > 0
}

// FilterText returns the plaintext lower-cased with whitespace runs
// collapsed to a single space.
func (d *Maildata) FilterText() string {
	return CollapseWhitespace(strings.ToLower(d.Text))
}

// CollapseWhitespace replaces every run of whitespace with one space and
// trims the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Meta is delivery metadata derived from the envelope and trace headers.
type Meta struct {
	Transtype  string
	QueueID    string
	Origin     string
	OriginHost string
	Time       time.Time
}

// Message is a parsed inbound message. Body is shared between clones and
// must be treated as read-only.
type Message struct {
	ID        string
	Headers   *mailsplit.Headers
	Body      []byte
	Maildata  Maildata
	Meta      Meta
	Encrypted bool
}

// Prepare splits and parses a raw message.
func Prepare(raw []byte) (*Message, error) {
	headers, body, err := mailsplit.Split(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to split message: %w", err)
	}

	msg := &Message{
		ID:      idgen.New(),
		Headers: headers,
		Body:    body,
		Meta:    Meta{Time: time.Now()},
	}

	if received := headers.Get("Received"); received != "" {
		info := ParseReceived(received)
		msg.Meta.Transtype = strings.ToUpper(info.With)
		msg.Meta.QueueID = info.ID
		msg.Meta.Origin = info.FromIP
		msg.Meta.OriginHost = info.From
	}

	data, err := extractMaildata(raw)
	if err != nil {
		return nil, err
	}
	msg.Maildata = *data
	return msg, nil
}

// Size returns the size of the serialized message.
func (m *Message) Size() int64 {
	return int64(len(m.Headers.Build()) + len(m.Body))
}

// Raw returns the serialized message.
func (m *Message) Raw() []byte {
	h := m.Headers.Build()
	out := make([]byte, 0, len(h)+len(m.Body))
	out = append(out, h...)
	return append(out, m.Body...)
}

// Reader streams the serialized message.
func (m *Message) Reader() io.Reader {
	return io.MultiReader(bytes.NewReader(m.Headers.Build()), bytes.NewReader(m.Body))
}

// Clone returns a copy with its own header set so per-recipient trace
// headers do not leak between recipients.
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = m.Headers.Clone()
	c.Maildata.Attachments = append([]Attachment(nil), m.Maildata.Attachments...)
	return &c
}

func extractMaildata(raw []byte) (*Maildata, error) {
	data := &Maildata{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		// Not parseable as MIME; filters still see the raw body as text.
		_, body, splitErr := mailsplit.Split(bytes.NewReader(raw))
		if splitErr != nil {
			return nil, splitErr
		}
		data.Text = string(body)
		return data, nil
	}
	defer mr.Close()

	var text, html []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// Truncated MIME trees keep what was read so far.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case contentType == "text/plain" || contentType == "":
				b, _ := io.ReadAll(part.Body)
				text = append(text, string(b))
			case contentType == "text/html":
				b, _ := io.ReadAll(part.Body)
				html = append(html, string(b))
			default:
				n, _ := io.Copy(io.Discard, part.Body)
				data.Attachments = append(data.Attachments, Attachment{ContentType: contentType, Size: n})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			data.Attachments = append(data.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        n,
			})
		}
	}

	data.HTML = strings.Join(html, "\n")
	if len(text) > 0 {
		data.Text = strings.Join(text, "\n")
	} else if data.HTML != "" {
		data.Text = html2text.HTML2Text(data.HTML)
	}
	return data, nil
}
