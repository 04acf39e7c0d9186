package delivery

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/archessay/wildduck/server/mailsplit"
	"github.com/emersion/go-message"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	_ "golang.org/x/crypto/ripemd160" // registers RIPEMD-160, openpgp's fallback hash
)

var errNoEncryptionKey = errors.New("public key has no usable encryption key")

// PGPEncrypter wraps messages into PGP/MIME (RFC 3156) envelopes.
type PGPEncrypter struct{}

var _ Encrypter = PGPEncrypter{}

// Encrypt moves the Content-* headers and the body into an encrypted
// payload. All other headers stay readable on the outer message.
func (PGPEncrypter) Encrypt(pubKey string, raw []byte) ([]byte, error) {
	headers, body, err := mailsplit.Split(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to split message: %w", err)
	}
	if isEncrypted(headers) {
		return nil, nil
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(pubKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if len(keyring) == 0 {
		return nil, errNoEncryptionKey
	}

	outer := headers.Clone()
	inner := &mailsplit.Headers{}
	for _, line := range headers.List() {
		if strings.HasPrefix(line.Key, "content-") && !inner.Has(line.Key) {
			inner.Append(canonicalKey(line.Line), headers.Get(line.Key))
			outer.Remove(line.Key)
		}
	}
	if !inner.Has("Content-Type") {
		inner.Append("Content-Type", "text/plain")
	}

	var armored bytes.Buffer
	aw, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(aw, keyring, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}
	if _, err := pw.Write(inner.Build()); err != nil {
		return nil, err
	}
	if _, err := pw.Write(body); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	envelope, err := pgpMIME(armored.Bytes())
	if err != nil {
		return nil, err
	}
	envHeaders, envBody, err := mailsplit.Split(bytes.NewReader(envelope))
	if err != nil {
		return nil, err
	}

	outer.Update("MIME-Version", "1.0")
	outer.Append("Content-Type", envHeaders.Get("Content-Type"))

	var out bytes.Buffer
	out.Write(outer.Build())
	out.Write(envBody)
	return out.Bytes(), nil
}

// pgpMIME writes the two-part multipart/encrypted body.
func pgpMIME(armored []byte) ([]byte, error) {
	var h message.Header
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": "application/pgp-encrypted"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var vh message.Header
	vh.SetContentType("application/pgp-encrypted", nil)
	vh.Set("Content-Description", "PGP/MIME version identification")
	if err := writePart(w, vh, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}

	var dh message.Header
	dh.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	dh.SetContentDisposition("inline", map[string]string{"filename": "encrypted.asc"})
	dh.Set("Content-Description", "OpenPGP encrypted message")
	if err := writePart(w, dh, armored); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w *message.Writer, h message.Header, body []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(body); err != nil {
		return err
	}
	return pw.Close()
}

func isEncrypted(headers *mailsplit.Headers) bool {
	var h message.Header
	h.Set("Content-Type", headers.Get("Content-Type"))
	t, _, err := h.ContentType()
	return err == nil && t == "multipart/encrypted"
}

// canonicalKey returns the field name as it was written in line.
func canonicalKey(line string) string {
	if colon := strings.IndexByte(line, ':'); colon > 0 {
		return strings.TrimSpace(line[:colon])
	}
	return line
}
