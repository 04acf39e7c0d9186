package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/server/filters"
)

// FilterQuery is the stored query document. Header values of the form
// "/pattern/flags" are regular expressions; other values match as
// case-insensitive substrings.
type FilterQuery struct {
	Headers map[string]string `json:"headers,omitempty"`
	HA      *bool             `json:"ha,omitempty"`
	Size    int64             `json:"size,omitempty"`
	Text    string            `json:"text,omitempty"`
}

// FilterAction is the stored action document.
type FilterAction struct {
	Seen      *bool      `json:"seen,omitempty"`
	Flag      *bool      `json:"flag,omitempty"`
	Delete    *bool      `json:"delete,omitempty"`
	Spam      *bool      `json:"spam,omitempty"`
	Mailbox   *string    `json:"mailbox,omitempty"`
	Forward   stringList `json:"forward,omitempty"`
	TargetURL stringList `json:"targetUrl,omitempty"`
}

// stringList accepts either a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "" {
			*l = stringList{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// UserFilters loads the user's filters in creation order. A filter whose
// documents cannot be decoded is skipped.
func (db *Database) UserFilters(ctx context.Context, userID string) ([]filters.Filter, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "user_filters", `
		SELECT id, name, disabled, query, action
		FROM filters WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load filters: %w", err)
	}
	defer rows.Close()

	var out []filters.Filter
	for rows.Next() {
		var (
			id, name   string
			disabled   bool
			query, act []byte
		)
		if err := rows.Scan(&id, &name, &disabled, &query, &act); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		f, err := DecodeFilter(id, name, disabled, query, act)
		if err != nil {
			logger.WarnContext(ctx, "DB: Skipping undecodable filter", "user", userID, "filter", id, "error", err)
			continue
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read filters: %w", err)
	}
	return out, nil
}

// DecodeFilter converts stored documents into an engine filter.
func DecodeFilter(id, name string, disabled bool, queryDoc, actionDoc []byte) (filters.Filter, error) {
	var q FilterQuery
	if len(queryDoc) > 0 {
		if err := json.Unmarshal(queryDoc, &q); err != nil {
			return filters.Filter{}, fmt.Errorf("invalid query: %w", err)
		}
	}
	var a FilterAction
	if len(actionDoc) > 0 {
		if err := json.Unmarshal(actionDoc, &a); err != nil {
			return filters.Filter{}, fmt.Errorf("invalid action: %w", err)
		}
	}

	f := filters.Filter{
		ID:       id,
		Name:     name,
		Disabled: disabled,
		Query: filters.Query{
			HasAttachment: q.HA,
			Size:          q.Size,
			Text:          q.Text,
		},
		Action: filters.Action{
			Seen:      a.Seen,
			Flag:      a.Flag,
			Delete:    a.Delete,
			Spam:      a.Spam,
			Mailbox:   a.Mailbox,
			Forward:   a.Forward,
			TargetURL: a.TargetURL,
		},
	}

	keys := make([]string, 0, len(q.Headers))
	for k := range q.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		hq, err := headerQuery(k, q.Headers[k])
		if err != nil {
			return filters.Filter{}, err
		}
		f.Query.Headers = append(f.Query.Headers, hq)
	}
	return f, nil
}

func headerQuery(key, value string) (filters.HeaderQuery, error) {
	hq := filters.HeaderQuery{Key: strings.ToLower(key)}
	if len(value) > 2 && value[0] == '/' {
		if end := strings.LastIndexByte(value, '/'); end > 0 {
			pattern, flags := value[1:end], value[end+1:]
			if strings.Contains(flags, "i") {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return hq, fmt.Errorf("invalid header pattern for %s: %w", key, err)
			}
			hq.Regex = re
			return hq, nil
		}
	}
	hq.Value = value
	return hq, nil
}

// AddFilter stores a filter and returns its id.
func (db *Database) AddFilter(ctx context.Context, userID, name string, q FilterQuery, a FilterAction) (string, error) {
	if _, err := DecodeFilter("", name, false, mustJSON(q), mustJSON(a)); err != nil {
		return "", err
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var id string
	err := db.TimedQueryRow(ctx, "add_filter", `
		INSERT INTO filters (user_id, name, query, action) VALUES ($1, $2, $3, $4) RETURNING id`,
		userID, name, q, a).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert filter: %w", err)
	}
	return id, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
