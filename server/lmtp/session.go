package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/helpers"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/mailparse"
	"github.com/emersion/go-smtp"
)

// recipient is one accepted RCPT TO. Address is kept exactly as the client
// sent it so the status line can be matched back.
type recipient struct {
	address string
	user    *delivery.User
}

// Session represents a single LMTP session.
type Session struct {
	backend    *Server
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	remoteAddr string
	clientHost string
	sender     string
	recipients []recipient
	startTime  time.Time
}

func newSession(b *Server, id string) *Session {
	ctx, cancel := context.WithCancel(context.WithValue(b.appCtx, consts.SessionIDKey, id))
	return &Session{
		backend:   b,
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Session) Log(msg string, args ...any) {
	logger.InfoContext(s.ctx, "LMTP: "+msg, args...)
}

// Mail starts a new transaction. Recipients of a previous transaction are
// discarded.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.recipients = nil
	s.sender = helpers.NormalizeAddress(from)
	s.Log("mail from accepted", "from", s.sender)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if max := s.backend.opts.MaxRecipients; max > 0 && len(s.recipients) >= max {
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      fmt.Sprintf("Maximum limit of %d recipients reached", max),
		}
	}

	address := helpers.NormalizeAddress(to)
	if address == "" {
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}

	user, err := s.backend.users.UserByAddress(s.ctx, address)
	if err != nil {
		metrics.RecipientsTotal.WithLabelValues("rejected").Inc()
		if errors.Is(err, consts.ErrUserNotFound) {
			s.Log("unknown recipient", "to", address)
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No such user here",
			}
		}
		logger.ErrorContext(s.ctx, "LMTP: User lookup failed", "to", address, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure looking up recipient",
		}
	}
	if user.Address == "" {
		user.Address = address
	}

	s.recipients = append(s.recipients, recipient{address: to, user: user})
	s.Log("recipient accepted", "to", address, "user", user.ID)
	return nil
}

// Data serves plain SMTP-style delivery: the first per-recipient failure
// becomes the transaction result.
func (s *Session) Data(r io.Reader) error {
	c := &firstStatus{}
	if err := s.LMTPData(r, c); err != nil {
		return err
	}
	return c.err
}

// LMTPData reads the message once and runs the delivery pipeline for every
// accepted recipient in order, reporting one status line per recipient.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing RCPT TO)",
		}
	}

	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	prepared, err := mailparse.Prepare(raw)
	if err != nil {
		logger.ErrorContext(s.ctx, "LMTP: Failed to prepare message", "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to process message",
		}
	}
	s.Log("message received", "id", prepared.ID, "size", len(raw), "recipients", len(s.recipients))

	meta := s.meta()
	responses := make(map[string]delivery.Outcome, len(s.recipients))
	for _, rcpt := range s.recipients {
		out, seen := responses[rcpt.user.ID]
		if !seen {
			out = s.backend.processor.Process(s.ctx, delivery.Request{
				User:      rcpt.user,
				Sender:    s.sender,
				Recipient: helpers.NormalizeAddress(rcpt.address),
				Prepared:  prepared,
				Meta:      meta,
			})
			responses[rcpt.user.ID] = out

			next, err := nextPrepared(prepared, out, raw)
			if err != nil {
				logger.ErrorContext(s.ctx, "LMTP: Failed to prepare message", "error", err)
				return &smtp.SMTPError{
					Code:         451,
					EnhancedCode: smtp.EnhancedCode{4, 3, 0},
					Message:      "Failed to process message",
				}
			}
			prepared = next
		}
		status.SetStatus(rcpt.address, recipientStatus(out))
	}
	return nil
}

// nextPrepared returns the message for the next recipient. A recipient whose
// copy was encrypted hands back nil, so the message is prepared again from
// the received bytes under the same id.
func nextPrepared(current *mailparse.Message, out delivery.Outcome, raw []byte) (*mailparse.Message, error) {
	if out.Prepared != nil {
		return out.Prepared, nil
	}
	fresh, err := mailparse.Prepare(raw)
	if err != nil {
		return nil, err
	}
	fresh.ID = current.ID
	return fresh, nil
}

// recipientStatus maps a delivery outcome to an LMTP reply. A dropped
// message is still a success from the client's point of view.
func recipientStatus(out delivery.Outcome) error {
	switch {
	case out.Dropped:
		metrics.RecipientsTotal.WithLabelValues("dropped").Inc()
		return &smtp.SMTPError{
			Code:         250,
			EnhancedCode: smtp.EnhancedCode{2, 0, 0},
			Message:      out.Response,
		}
	case out.Err != nil:
		metrics.RecipientsTotal.WithLabelValues("failed").Inc()
		return &smtp.SMTPError{
			Code:         450,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      out.Response,
		}
	default:
		metrics.RecipientsTotal.WithLabelValues("stored").Inc()
		return &smtp.SMTPError{
			Code:         250,
			EnhancedCode: smtp.EnhancedCode{2, 0, 0},
			Message:      out.Response,
		}
	}
}

func (s *Session) readMessage(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer

	limit := s.backend.opts.MaxMessageSize
	reader := r
	if limit > 0 {
		// one extra byte detects an oversized message
		reader = io.LimitReader(r, limit+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return nil, tooLarge(limit)
		}
		logger.ErrorContext(s.ctx, "LMTP: Failed to read message", "error", err)
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}
	if limit > 0 && int64(buf.Len()) > limit {
		s.Log("message too large", "size", buf.Len(), "limit", limit)
		return nil, tooLarge(limit)
	}
	return buf.Bytes(), nil
}

func tooLarge(limit int64) error {
	return &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", limit),
	}
}

// meta describes the session for the stored message.
func (s *Session) meta() mailparse.Meta {
	origin := s.remoteAddr
	if host, _, err := net.SplitHostPort(origin); err == nil {
		origin = host
	}
	return mailparse.Meta{
		Transtype:  "LMTP",
		Origin:     origin,
		OriginHost: s.clientHost,
		Time:       time.Now(),
	}
}

func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.Dec()
	s.Log("session closed", "duration", time.Since(s.startTime).Round(time.Millisecond))
	s.cancel()
	return nil
}

// firstStatus keeps the first failing recipient status.
type firstStatus struct {
	err error
}

func (c *firstStatus) SetStatus(_ string, err error) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code < 400 {
		return
	}
	if c.err == nil {
		c.err = err
	}
}
