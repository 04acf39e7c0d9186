package maildrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestMaildrop(blobs BlobStore, queue QueueStore) *Maildrop {
	m := New(blobs, queue, Options{Zone: "default", Hostname: "mx.local"})
	m.now = func() time.Time { return fixedNow }
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("id%03d", seq)
	}
	return m
}

const outbound = "From: Sender <sender@example.com>\r\n" +
	"To: a@EXAMPLE.com, team: b@example.com, a@example.com;\r\n" +
	"Cc: c@Example.NET\r\n" +
	"Bcc: hidden@example.com\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"Body line one\r\n" +
	"Body   line two  \r\n"

func TestPushNoRecipientsTouchesNoStorage(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)

	_, err := m.Push(context.Background(), Request{From: "sender@example.com"}, strings.NewReader(outbound))
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrNoRecipients))

	var mdErr *Error
	require.True(t, errors.As(err, &mdErr))
	assert.Equal(t, "ENORECIPIENTS", mdErr.Code)
	assert.Equal(t, "No valid recipients", mdErr.Error())

	assert.Zero(t, blobs.uploads)
	assert.Empty(t, queue.records)
}

func TestPushTooManyTargets(t *testing.T) {
	blobs := newMemBlobStore()
	m := newTestMaildrop(blobs, &memQueue{})

	var targets []filters.Target
	for i := 0; i < 256; i++ {
		targets = append(targets, filters.Target{Kind: filters.TargetMail, Value: fmt.Sprintf("r%d@example.com", i)})
	}
	_, err := m.Push(context.Background(), Request{Targets: targets}, strings.NewReader(outbound))
	assert.ErrorIs(t, err, consts.ErrTooManyTargets)
	assert.Zero(t, blobs.uploads)
}

func TestPushUnresolvableTargetsDoNotFallBackToTo(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)

	_, err := m.Push(context.Background(), Request{
		From:    "sender@example.com",
		To:      []string{"bob@example.com"},
		Reason:  "forward",
		Targets: []filters.Target{{Kind: filters.TargetRelay, Value: "smtp://"}},
	}, strings.NewReader(outbound))
	assert.ErrorIs(t, err, consts.ErrNoRecipients)
	assert.Zero(t, blobs.uploads)
	assert.Empty(t, queue.records)
}

func TestPushDefaultsToEnvelopeRecipients(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)

	env, err := m.Push(context.Background(), Request{
		From: "sender@example.com",
		To:   []string{"x@example.org", "y@[192.0.2.1]"},
	}, strings.NewReader(outbound))
	require.NoError(t, err)

	require.Len(t, queue.records, 2)
	assert.Equal(t, "01", queue.records[0].Seq)
	assert.Equal(t, "example.org", queue.records[0].Domain)
	assert.Equal(t, "02", queue.records[1].Seq)
	assert.Equal(t, "192.0.2.1", queue.records[1].Domain)
	for _, rec := range queue.records {
		assert.Equal(t, env.ID, rec.ID)
		assert.Equal(t, "default", rec.SendingZone)
		assert.Equal(t, "no", rec.Assigned)
		assert.False(t, rec.Locked)
		assert.Zero(t, rec.LockTime)
		assert.Equal(t, fixedNow, rec.Queued)
		assert.Equal(t, fixedNow, rec.Created)
		assert.False(t, rec.SkipSRS)
	}
	assert.Equal(t, "maildrop", env.Interface)
	assert.Equal(t, "API", env.Transtype)
}

func TestPushTargets(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)
	sendAt := fixedNow.Add(time.Hour)

	env, err := m.Push(context.Background(), Request{
		ParentID:  "parent1",
		Reason:    "forward",
		Interface: "forwarder",
		From:      "sender@example.com",
		To:        []string{"user@example.com"},
		Zone:      "bulk",
		SendTime:  sendAt,
		Targets: []filters.Target{
			{Kind: filters.TargetMail, Value: "fwd@example.net"},
			{Kind: filters.TargetHTTP, Value: "https://hooks.example.com/in"},
			{Kind: filters.TargetRelay, Value: "smtps://u:p@relay.example.com:2465", Recipients: []string{"extra@example.org"}},
		},
	}, strings.NewReader(outbound))
	require.NoError(t, err)

	assert.Equal(t, "parent1", env.ParentID)
	assert.Equal(t, "forward", env.Reason)
	assert.Equal(t, "forwarder", env.Interface)

	require.Len(t, queue.records, 4)
	seqs := []string{}
	for _, r := range queue.records {
		seqs = append(seqs, r.Seq)
		assert.Equal(t, "bulk", r.SendingZone)
		assert.Equal(t, sendAt, r.Queued)
		assert.Equal(t, fixedNow, r.Created)
	}
	assert.Equal(t, []string{"01", "02", "03", "04"}, seqs)

	mail := queue.records[0]
	assert.Equal(t, "fwd@example.net", mail.Recipient)
	assert.False(t, mail.SkipSRS)
	assert.False(t, mail.HTTP)

	hook := queue.records[1]
	assert.Equal(t, "user@example.com", hook.Recipient)
	assert.True(t, hook.HTTP)
	assert.Equal(t, "https://hooks.example.com/in", hook.TargetURL)
	assert.True(t, hook.SkipSRS)

	relay := queue.records[2]
	assert.Equal(t, "user@example.com", relay.Recipient)
	assert.Equal(t, []MXHost{{Priority: 0, Exchange: "relay.example.com"}}, relay.MX)
	assert.Equal(t, 2465, relay.MXPort)
	assert.Equal(t, &MXAuth{User: "u", Pass: "p"}, relay.MXAuth)
	assert.True(t, relay.MXSecure)
	assert.True(t, relay.SkipSRS)
	assert.Equal(t, "extra@example.org", queue.records[3].Recipient)
}

func TestPushStoresBodyAndEnvelope(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)

	env, err := m.Push(context.Background(), Request{
		From: "sender@example.com",
		To:   []string{"user@example.com"},
	}, &chunkedReader{data: []byte(outbound), size: 3})
	require.NoError(t, err)

	name := BlobName(env.ID)
	assert.Equal(t, "message id001", name)
	body := "Body line one\r\nBody   line two  \r\n"
	assert.Equal(t, body, string(blobs.objects[name]))
	assert.Equal(t, "message/rfc822", blobs.opts[name].ContentType)
	assert.Equal(t, fixedNow, blobs.opts[name].Created)
	assert.Same(t, env, blobs.meta[name])

	assert.Equal(t, int64(len(body)), env.BodySize)
	hash := NewBodyHash()
	hash.Write([]byte(body))
	assert.Equal(t, hash.Sum(), env.DKIM.BodyHash)
	assert.Equal(t, "sha256", env.DKIM.HashAlgo)

	assert.Equal(t, "sender@example.com", env.ParsedEnvelope.From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, env.ParsedEnvelope.To)
	assert.Equal(t, []string{"c@example.net"}, env.ParsedEnvelope.Cc)
	assert.Equal(t, []string{"hidden@example.com"}, env.ParsedEnvelope.Bcc)

	assert.Regexp(t, `^<[0-9a-f-]{36}@example\.com>$`, env.MessageID)
	assert.Equal(t, "Tue, 01 Oct 2024 12:00:00 +0000", env.Date)

	keys := map[string]bool{}
	for _, h := range env.Headers {
		keys[h.Key] = true
	}
	assert.False(t, keys["bcc"])
	assert.True(t, keys["message-id"])
	assert.True(t, keys["date"])
}

func TestPushSetMetaFailureRemovesBody(t *testing.T) {
	blobs := newMemBlobStore()
	blobs.failMeta = errors.New("gridfs down")
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)

	_, err := m.Push(context.Background(), Request{To: []string{"user@example.com"}}, strings.NewReader(outbound))
	require.Error(t, err)
	assert.Equal(t, []string{"message id001"}, blobs.unlinked)
	assert.Empty(t, blobs.objects)
	assert.Empty(t, queue.records)
}

func TestPushReadErrorRemovesBody(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{}
	m := newTestMaildrop(blobs, queue)

	boom := errors.New("connection reset")
	_, err := m.Push(context.Background(), Request{To: []string{"user@example.com"}},
		&failingReader{data: []byte(outbound[:40]), err: boom})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"message id001"}, blobs.unlinked)
	assert.Empty(t, queue.records)
}

func TestPushUploadFailure(t *testing.T) {
	blobs := newMemBlobStore()
	blobs.failWrite = errors.New("bucket missing")
	m := newTestMaildrop(blobs, &memQueue{})

	_, err := m.Push(context.Background(), Request{To: []string{"user@example.com"}}, strings.NewReader(outbound))
	assert.ErrorIs(t, err, consts.ErrS3UploadFailed)
	assert.Equal(t, []string{"message id001"}, blobs.unlinked)
}

func TestPushInsertFailure(t *testing.T) {
	blobs := newMemBlobStore()
	queue := &memQueue{err: errors.New("write concern")}
	m := newTestMaildrop(blobs, queue)

	_, err := m.Push(context.Background(), Request{To: []string{"user@example.com"}}, strings.NewReader(outbound))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write concern")
}

func TestUpdateHeadersIdempotent(t *testing.T) {
	m := newTestMaildrop(newMemBlobStore(), &memQueue{})
	h := mailsplit.Parse([]byte(outbound))

	env := &Envelope{From: "noreply"}
	m.UpdateHeaders(env, h)
	first := string(h.Build())
	assert.Contains(t, env.MessageID, "@mx.local>")

	env2 := &Envelope{From: "noreply"}
	m.UpdateHeaders(env2, h)
	assert.Equal(t, first, string(h.Build()))
	assert.Equal(t, env.MessageID, env2.MessageID)
	assert.Equal(t, env.Date, env2.Date)
}

func TestUpdateHeadersRepairsDate(t *testing.T) {
	m := newTestMaildrop(newMemBlobStore(), &memQueue{})
	tests := []struct {
		date   string
		repair bool
	}{
		{"", true},
		{"not a date", true},
		{"Thu, 01 Jan 1970 00:00:00 +0000", true},
		{"Mon, 02 Jan 2006 15:04:05 +0700", false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			raw := "Subject: x\r\n"
			if tt.date != "" {
				raw += "Date: " + tt.date + "\r\n"
			}
			h := mailsplit.Parse([]byte(raw + "\r\n"))
			env := &Envelope{}
			m.UpdateHeaders(env, h)
			if tt.repair {
				assert.Equal(t, "Tue, 01 Oct 2024 12:00:00 +0000", env.Date)
			} else {
				assert.Equal(t, tt.date, env.Date)
			}
			assert.Len(t, h.GetAll("Date"), 1)
		})
	}
}

func TestUpdateHeadersReplacesEmptyMessageID(t *testing.T) {
	m := newTestMaildrop(newMemBlobStore(), &memQueue{})
	h := mailsplit.Parse([]byte("Message-ID: \r\nSubject: x\r\n\r\n"))
	env := &Envelope{From: "a@example.org"}
	m.UpdateHeaders(env, h)

	ids := h.GetAll("Message-ID")
	require.Len(t, ids, 1)
	assert.True(t, strings.HasSuffix(ids[0], "@example.org>"))
}

// chunkedReader returns at most size bytes per read.
type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

