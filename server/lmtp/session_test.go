package lmtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	users map[string]*delivery.User
	err   error
}

func (f *fakeUsers) UserByAddress(_ context.Context, address string) (*delivery.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[strings.ToLower(address)]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	requests []delivery.Request
	outcome  func(req delivery.Request) delivery.Outcome
}

func (f *fakeProcessor) Process(_ context.Context, req delivery.Request) delivery.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome(req)
	}
	return delivery.Outcome{User: req.User, Response: "Message stored as " + req.User.ID, Prepared: req.Prepared}
}

type statusCollector map[string]error

func (c statusCollector) SetStatus(rcpt string, err error) {
	c[rcpt] = err
}

func code(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code
}

func newTestSession(users UserStore, p Processor, opts Options) *Session {
	b := New(context.Background(), opts, users, p)
	return newSession(b, "test-session")
}

const testMessage = "From: sender@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func defaultUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*delivery.User{
		"alice@example.com":  {ID: "u1"},
		"a.lice@example.com": {ID: "u1"},
		"bob@example.com":    {ID: "u2"},
	}}
}

func TestRcptUnknownUser(t *testing.T) {
	s := newTestSession(defaultUsers(), &fakeProcessor{}, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))

	err := s.Rcpt("nobody@example.com", nil)
	assert.Equal(t, 550, code(t, err))
	assert.Empty(t, s.recipients)
}

func TestRcptLookupFailure(t *testing.T) {
	s := newTestSession(&fakeUsers{err: errors.New("db down")}, &fakeProcessor{}, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	assert.Equal(t, 451, code(t, s.Rcpt("alice@example.com", nil)))
}

func TestRcptMaxRecipients(t *testing.T) {
	s := newTestSession(defaultUsers(), &fakeProcessor{}, Options{MaxRecipients: 1})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))
	assert.Equal(t, 452, code(t, s.Rcpt("bob@example.com", nil)))
}

func TestMailResetsRecipients(t *testing.T) {
	s := newTestSession(defaultUsers(), &fakeProcessor{}, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))
	require.NoError(t, s.Mail("other@example.com", nil))
	assert.Empty(t, s.recipients)
	assert.Equal(t, "other@example.com", s.sender)
}

func TestLMTPDataPerRecipientStatus(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestSession(defaultUsers(), p, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))
	require.NoError(t, s.Rcpt("a.lice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))

	status := statusCollector{}
	require.NoError(t, s.LMTPData(strings.NewReader(testMessage), status))

	require.Len(t, status, 3)
	for _, err := range status {
		assert.Equal(t, 250, code(t, err))
	}

	// the second address of the same user reuses the first response
	require.Len(t, p.requests, 2)
	assert.Equal(t, "u1", p.requests[0].User.ID)
	assert.Equal(t, "u2", p.requests[1].User.ID)
	assert.Equal(t, "sender@example.com", p.requests[0].Sender)
	assert.Equal(t, "alice@example.com", p.requests[0].Recipient)
	assert.Equal(t, "LMTP", p.requests[0].Meta.Transtype)
	assert.Same(t, p.requests[0].Prepared, p.requests[1].Prepared)
}

func TestLMTPDataDroppedAndFailed(t *testing.T) {
	p := &fakeProcessor{outcome: func(req delivery.Request) delivery.Outcome {
		if req.User.ID == "u1" {
			return delivery.Outcome{User: req.User, Dropped: true, Response: "Message dropped by policy as x", Prepared: req.Prepared}
		}
		return delivery.Outcome{User: req.User, Err: errors.New("store down"), Response: "store down", Prepared: req.Prepared}
	}}
	s := newTestSession(defaultUsers(), p, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))

	status := statusCollector{}
	require.NoError(t, s.LMTPData(strings.NewReader(testMessage), status))
	assert.Equal(t, 250, code(t, status["alice@example.com"]))
	assert.Contains(t, status["alice@example.com"].Error(), "dropped by policy")
	assert.Equal(t, 450, code(t, status["bob@example.com"]))
}

func TestLMTPDataReprepareAfterEncryption(t *testing.T) {
	p := &fakeProcessor{outcome: func(req delivery.Request) delivery.Outcome {
		return delivery.Outcome{User: req.User, Response: "ok"}
	}}
	s := newTestSession(defaultUsers(), p, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))

	require.NoError(t, s.LMTPData(strings.NewReader(testMessage), statusCollector{}))
	require.Len(t, p.requests, 2)
	assert.NotSame(t, p.requests[0].Prepared, p.requests[1].Prepared)
	assert.Equal(t, p.requests[0].Prepared.ID, p.requests[1].Prepared.ID)
}

func TestLMTPDataTooLarge(t *testing.T) {
	s := newTestSession(defaultUsers(), &fakeProcessor{}, Options{MaxMessageSize: 10})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))

	err := s.LMTPData(strings.NewReader(testMessage), statusCollector{})
	assert.Equal(t, 552, code(t, err))
}

func TestLMTPDataWithoutRecipients(t *testing.T) {
	s := newTestSession(defaultUsers(), &fakeProcessor{}, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	assert.Equal(t, 503, code(t, s.LMTPData(strings.NewReader(testMessage), statusCollector{})))
}

func TestDataReturnsFirstFailure(t *testing.T) {
	p := &fakeProcessor{outcome: func(req delivery.Request) delivery.Outcome {
		return delivery.Outcome{User: req.User, Err: errors.New("boom"), Response: "boom", Prepared: req.Prepared}
	}}
	s := newTestSession(defaultUsers(), p, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))

	assert.Equal(t, 450, code(t, s.Data(strings.NewReader(testMessage))))
}

func TestResetClearsTransaction(t *testing.T) {
	s := newTestSession(defaultUsers(), &fakeProcessor{}, Options{})
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@example.com", nil))
	s.Reset()
	assert.Empty(t, s.sender)
	assert.Empty(t, s.recipients)
}

func TestConnectionCounts(t *testing.T) {
	b := New(context.Background(), Options{}, defaultUsers(), &fakeProcessor{})
	s1, err := b.NewSession(nil)
	require.NoError(t, err)
	_, err = b.NewSession(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.GetActiveConnections())

	require.NoError(t, s1.Logout())
	assert.Equal(t, int64(1), b.GetActiveConnections())
	assert.Equal(t, int64(2), b.GetTotalConnections())
}
