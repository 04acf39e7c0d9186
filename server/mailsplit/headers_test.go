package mailsplit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleHeaders = "Received: from a\r\n\tby b\r\nSubject: Hello\r\n  World\r\nX-Spam: no\r\nx-spam: YES\r\n\r\n"

func TestParseFolding(t *testing.T) {
	h := Parse([]byte(sampleHeaders))
	assert.Equal(t, 4, h.Len())
	assert.Equal(t, "Hello  World", h.Get("SUBJECT"))
	assert.Equal(t, "from a\tby b", h.Get("received"))
	assert.Equal(t, []string{"no", "YES"}, h.GetAll("X-Spam"))
	assert.Equal(t, sampleHeaders, string(h.Build()))
}

func TestParseKeepsBareLineFeeds(t *testing.T) {
	raw := "Subject: a\n folded\nX-Test: b\r\n\n"
	h := Parse([]byte(raw))
	assert.Equal(t, "Subject: a\n folded", h.List()[0].Line)
	assert.Equal(t, "a folded", h.Get("subject"))
	assert.Equal(t, raw, string(h.Build()))

	h.Append("X-Added", "1")
	assert.Equal(t, "Subject: a\n folded\nX-Test: b\r\nX-Added: 1\r\n\n", string(h.Build()))
	assert.Equal(t, string(h.Build()), string(h.Clone().Build()))
}

func TestHeadersMutation(t *testing.T) {
	h := Parse([]byte(sampleHeaders))

	h.Add("Delivered-To", "user@example.com")
	assert.Equal(t, "delivered-to", h.List()[0].Key)

	h.Append("X-Last", "1")
	list := h.List()
	assert.Equal(t, "x-last", list[len(list)-1].Key)

	h.Update("x-spam", "maybe")
	assert.Equal(t, []string{"maybe"}, h.GetAll("X-Spam"))
	assert.Equal(t, "x-spam", h.List()[3].Key)

	h.Update("Message-ID", "<a@b>")
	assert.Equal(t, "message-id", h.List()[0].Key)

	h.Remove("SUBJECT")
	assert.False(t, h.Has("subject"))
	assert.Equal(t, "", h.Get("subject"))
}

func TestHeadersClone(t *testing.T) {
	h := Parse([]byte(sampleHeaders))
	c := h.Clone()
	c.Add("Delivered-To", "x@example.com")
	assert.False(t, h.Has("delivered-to"))
	assert.True(t, c.Has("delivered-to"))
}
