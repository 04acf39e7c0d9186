package delivery

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

func testKey(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	e, err := openpgp.NewEntity("Bob", "", "bob@example.com", &packet.Config{RSABits: 1024})
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(w))
	require.NoError(t, w.Close())
	return e, buf.String()
}

func TestPGPEncrypterRoundTrip(t *testing.T) {
	entity, pub := testKey(t)
	raw := "From: alice@example.com\r\n" +
		"Subject: Secret\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: 7bit\r\n" +
		"\r\n" +
		"the launch code\r\n"

	out, err := PGPEncrypter{}.Encrypt(pub, []byte(raw))
	require.NoError(t, err)
	require.NotNil(t, out)

	headers, body, err := mailsplit.Split(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "Secret", headers.Get("Subject"))
	assert.Equal(t, "1.0", headers.Get("MIME-Version"))
	assert.Contains(t, headers.Get("Content-Type"), "multipart/encrypted")
	assert.False(t, headers.Has("Content-Transfer-Encoding"))
	assert.NotContains(t, string(body), "the launch code")
	assert.Contains(t, string(body), "Version: 1")

	start := strings.Index(string(body), "-----BEGIN PGP MESSAGE-----")
	end := strings.Index(string(body), "-----END PGP MESSAGE-----")
	require.True(t, start >= 0 && end > start)
	block, err := armor.Decode(strings.NewReader(string(body)[start : end+len("-----END PGP MESSAGE-----")]))
	require.NoError(t, err)

	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{entity}, nil, nil)
	require.NoError(t, err)
	plain, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err)

	inner, innerBody, err := mailsplit.Split(bytes.NewReader(plain))
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", inner.Get("Content-Type"))
	assert.Equal(t, "7bit", inner.Get("Content-Transfer-Encoding"))
	assert.False(t, inner.Has("Subject"))
	assert.Equal(t, "the launch code\r\n", string(innerBody))

	again, err := PGPEncrypter{}.Encrypt(pub, out)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestPGPEncrypterBadKey(t *testing.T) {
	_, err := PGPEncrypter{}.Encrypt("not a key", []byte("Subject: x\r\n\r\nbody"))
	assert.Error(t, err)
}
