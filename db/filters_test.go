package db

import (
	"testing"

	"github.com/archessay/wildduck/server/filters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFilter(t *testing.T) {
	query := []byte(`{"headers":{"subject":"Invoice","From":"/billing@.*\\.com$/i"},"ha":true,"size":-1024,"text":"pay now"}`)
	action := []byte(`{"seen":true,"mailbox":"mbx-1","forward":"a@example.com","targetUrl":["https://hook.example.com/1"]}`)

	f, err := DecodeFilter("f1", "invoices", false, query, action)
	require.NoError(t, err)

	assert.Equal(t, "f1", f.ID)
	assert.Equal(t, "invoices", f.Name)
	require.Len(t, f.Query.Headers, 2)

	// keys are sorted and lower-cased
	from := f.Query.Headers[0]
	assert.Equal(t, "from", from.Key)
	require.NotNil(t, from.Regex)
	assert.True(t, from.Regex.MatchString("Billing@Shop.COM"))

	subject := f.Query.Headers[1]
	assert.Equal(t, "subject", subject.Key)
	assert.Nil(t, subject.Regex)
	assert.Equal(t, "Invoice", subject.Value)

	require.NotNil(t, f.Query.HasAttachment)
	assert.True(t, *f.Query.HasAttachment)
	assert.Equal(t, int64(-1024), f.Query.Size)
	assert.Equal(t, "pay now", f.Query.Text)

	assert.True(t, filters.IsSet(f.Action.Seen))
	require.NotNil(t, f.Action.Mailbox)
	assert.Equal(t, "mbx-1", *f.Action.Mailbox)
	assert.Equal(t, []string{"a@example.com"}, f.Action.Forward)
	assert.Equal(t, []string{"https://hook.example.com/1"}, f.Action.TargetURL)
}

func TestDecodeFilterEmptyDocuments(t *testing.T) {
	f, err := DecodeFilter("f2", "", true, []byte(`{}`), nil)
	require.NoError(t, err)
	assert.True(t, f.Disabled)
	assert.Empty(t, f.Query.Headers)
	assert.Nil(t, f.Action.Forward)
}

func TestDecodeFilterErrors(t *testing.T) {
	_, err := DecodeFilter("f3", "", false, []byte(`{"headers":{"from":"/(unclosed/"}}`), nil)
	assert.Error(t, err)

	_, err = DecodeFilter("f4", "", false, []byte(`not json`), nil)
	assert.Error(t, err)

	_, err = DecodeFilter("f5", "", false, nil, []byte(`{"forward":42}`))
	assert.Error(t, err)
}

func TestHeaderQuerySlashValue(t *testing.T) {
	// a lone slash is a literal value, not a pattern
	hq, err := headerQuery("X-Path", "/")
	require.NoError(t, err)
	assert.Nil(t, hq.Regex)
	assert.Equal(t, "/", hq.Value)
}
