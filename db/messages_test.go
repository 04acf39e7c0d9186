package db

import (
	"testing"

	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("Subject: a\r\n\r\nbody"))
	b := ContentHash([]byte("Subject: a\r\n\r\nbody"))
	c := ContentHash([]byte("Subject: b\r\n\r\nbody"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMailboxLookup(t *testing.T) {
	q, err := mailboxLookup(delivery.MailboxByPath)
	require.NoError(t, err)
	assert.Contains(t, q, "path = $2")

	q, err = mailboxLookup(delivery.MailboxBySpecialUse)
	require.NoError(t, err)
	assert.Contains(t, q, "special_use = $2")

	q, err = mailboxLookup(delivery.MailboxByID)
	require.NoError(t, err)
	assert.Contains(t, q, "id = $2")

	_, err = mailboxLookup("other")
	assert.Error(t, err)
}

func TestQueueArgs(t *testing.T) {
	args := queueArgs(maildrop.QueueRecord{ID: "abc", Seq: "001", Recipient: "x@example.com"})
	require.Len(t, args, 17)
	assert.Equal(t, "abc", args[0])
	assert.Equal(t, "001", args[1])
	assert.Nil(t, args[12], "empty mx is stored as NULL")
	assert.Nil(t, args[14], "missing auth is stored as NULL")

	args = queueArgs(maildrop.QueueRecord{
		MX:     []maildrop.MXHost{{Exchange: "mx.example.com"}},
		MXAuth: &maildrop.MXAuth{User: "u", Pass: "p"},
	})
	assert.NotNil(t, args[12])
	assert.NotNil(t, args[14])
}

func TestUsernameView(t *testing.T) {
	assert.Equal(t, "johndoe", UsernameView(" John.Doe "))
}
