// Package mailsplit separates an RFC 5322 message stream into its header
// block and body without buffering the body.
package mailsplit

import (
	"bytes"
	"strings"
)

// HeaderLine is one header field. Line holds the raw field text, including
// any folded continuation lines with their original line breaks, without
// the trailing line break.
type HeaderLine struct {
	Key  string `json:"key"` // lower-cased field name
	Line string `json:"line"`

	// eol is the line break that followed the field in the source, empty
	// for fields created through Add, Append or Update
	eol string
}

// Headers is an ordered, case-insensitive header set. Fields it did not
// modify are serialized exactly as they were received.
type Headers struct {
	lines []HeaderLine
	end   string // line break of the terminating empty line
}

// Parse builds a header set from a raw header block. Parsing stops at the
// first empty line.
func Parse(raw []byte) *Headers {
	h := &Headers{}
	for len(raw) > 0 {
		var line []byte
		eol := ""
		if nl := bytes.IndexByte(raw, '\n'); nl >= 0 {
			line, raw = raw[:nl], raw[nl+1:]
			eol = "\n"
			if bytes.HasSuffix(line, []byte("\r")) {
				line = line[:len(line)-1]
				eol = "\r\n"
			}
		} else {
			line, raw = bytes.TrimSuffix(raw, []byte("\r")), nil
		}
		if len(line) == 0 {
			h.end = eol
			break
		}

		if (line[0] == ' ' || line[0] == '\t') && len(h.lines) > 0 {
			last := &h.lines[len(h.lines)-1]
			last.Line += lineBreak(last.eol) + string(line)
			last.eol = eol
			continue
		}

		h.lines = append(h.lines, HeaderLine{Key: keyOf(string(line)), Line: string(line), eol: eol})
	}
	return h
}

func lineBreak(eol string) string {
	if eol == "" {
		return "\r\n"
	}
	return eol
}

func keyOf(line string) string {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(line[:colon]))
}

// valueOf returns the unfolded field value.
func valueOf(line string) string {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return ""
	}
	value := line[colon+1:]
	value = strings.ReplaceAll(value, "\r\n", "")
	value = strings.ReplaceAll(value, "\n", "")
	return strings.TrimSpace(value)
}

// Get returns the value of the first field named key, or "".
func (h *Headers) Get(key string) string {
	key = strings.ToLower(key)
	for _, l := range h.lines {
		if l.Key == key {
			return valueOf(l.Line)
		}
	}
	return ""
}

// GetAll returns the values of every field named key in message order.
func (h *Headers) GetAll(key string) []string {
	key = strings.ToLower(key)
	var values []string
	for _, l := range h.lines {
		if l.Key == key {
			values = append(values, valueOf(l.Line))
		}
	}
	return values
}

// Has reports whether at least one field named key exists.
func (h *Headers) Has(key string) bool {
	key = strings.ToLower(key)
	for _, l := range h.lines {
		if l.Key == key {
			return true
		}
	}
	return false
}

// Remove deletes every field named key.
func (h *Headers) Remove(key string) {
	key = strings.ToLower(key)
	kept := h.lines[:0]
	for _, l := range h.lines {
		if l.Key != key {
			kept = append(kept, l)
		}
	}
	h.lines = kept
}

// Add inserts a field at the top of the header block, where trace fields
// such as Received and Delivered-To belong.
func (h *Headers) Add(key, value string) {
	l := HeaderLine{Key: strings.ToLower(key), Line: key + ": " + value}
	h.lines = append([]HeaderLine{l}, h.lines...)
}

// Append adds a field at the bottom of the header block.
func (h *Headers) Append(key, value string) {
	h.lines = append(h.lines, HeaderLine{Key: strings.ToLower(key), Line: key + ": " + value})
}

// Update replaces all fields named key with a single field holding value,
// placed where the first occurrence was. Without an occurrence it behaves
// like Add.
func (h *Headers) Update(key, value string) {
	lk := strings.ToLower(key)
	line := HeaderLine{Key: lk, Line: key + ": " + value}

	out := make([]HeaderLine, 0, len(h.lines)+1)
	placed := false
	for _, l := range h.lines {
		if l.Key != lk {
			out = append(out, l)
			continue
		}
		if !placed {
			out = append(out, line)
			placed = true
		}
	}
	if !placed {
		out = append([]HeaderLine{line}, out...)
	}
	h.lines = out
}

// List returns a copy of the header lines in order.
func (h *Headers) List() []HeaderLine {
	out := make([]HeaderLine, len(h.lines))
	copy(out, h.lines)
	return out
}

// Len returns the number of header fields.
func (h *Headers) Len() int {
	return len(h.lines)
}

// Clone returns an independent copy.
func (h *Headers) Clone() *Headers {
	return &Headers{lines: h.List(), end: h.end}
}

// Build serializes the header block including the terminating empty line.
// Parsed fields keep their original line breaks; added fields and a missing
// terminator use CRLF.
func (h *Headers) Build() []byte {
	var buf bytes.Buffer
	for _, l := range h.lines {
		buf.WriteString(l.Line)
		buf.WriteString(lineBreak(l.eol))
	}
	buf.WriteString(lineBreak(h.end))
	return buf.Bytes()
}
