package mailparse

import (
	"regexp"
	"strings"
)

// ReceivedInfo holds the clauses of a Received trace header.
type ReceivedInfo struct {
	From   string
	FromIP string
	By     string
	With   string
	ID     string
	For    string
	Date   string
}

var bracketIP = regexp.MustCompile(`\[(?:IPv6:)?([0-9a-fA-F:.]+)\]`)

// ParseReceived extracts the from/by/with/id/for clauses and the trailing
// date of a Received header value. Unknown clauses are ignored.
func ParseReceived(value string) ReceivedInfo {
	var info ReceivedInfo

	if semi := strings.LastIndexByte(value, ';'); semi >= 0 {
		info.Date = strings.TrimSpace(value[semi+1:])
		value = value[:semi]
	}

	var current *string
	depth := 0
	var comment strings.Builder
	for _, tok := range strings.Fields(value) {
		if depth > 0 || strings.HasPrefix(tok, "(") {
			depth += strings.Count(tok, "(") - strings.Count(tok, ")")
			comment.WriteString(tok)
			comment.WriteByte(' ')
			if depth <= 0 {
				depth = 0
				if current == &info.From && info.FromIP == "" {
					if m := bracketIP.FindStringSubmatch(comment.String()); m != nil {
						info.FromIP = m[1]
					}
				}
				comment.Reset()
			}
			continue
		}

		switch strings.ToLower(tok) {
		case "from":
			current = &info.From
			continue
		case "by":
			current = &info.By
			continue
		case "with":
			current = &info.With
			continue
		case "id":
			current = &info.ID
			continue
		case "for":
			current = &info.For
			continue
		case "via":
			current = nil
			continue
		}

		if current != nil && *current == "" {
			*current = strings.Trim(tok, "<>")
		}
	}

	if info.FromIP == "" {
		if m := bracketIP.FindStringSubmatch(info.From); m != nil {
			info.FromIP = m[1]
		}
	}
	return info
}
