// Package filters evaluates per-user filter rules against a prepared message
// and merges the actions of every matching rule.
package filters

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/mailparse"
)

// HeaderQuery matches one header key. Regex, when set, is tested against the
// unfolded header value; otherwise Value must be a case-insensitive
// substring of it.
type HeaderQuery struct {
	Key   string
	Value string
	Regex *regexp.Regexp
}

// Query is the conjunction of every predicate that is set.
type Query struct {
	Headers []HeaderQuery
	// HasAttachment, when set, must equal whether the message has
	// attachments.
	HasAttachment *bool
	// Size > 0 requires at least Size bytes, Size < 0 at most -Size bytes.
	Size int64
	// Text must occur in the whitespace-collapsed, lower-cased plaintext.
	Text string
}

// Action is what a matching filter asks for. Unset scalar fields leave the
// decision to later filters.
type Action struct {
	Seen    *bool
	Flag    *bool
	Spam    *bool
	Delete  *bool
	Mailbox *string

	Forward   []string // addresses to forward to
	TargetURL []string // webhook URLs to upload to
}

// Filter is one user rule.
type Filter struct {
	ID       string
	Name     string
	Disabled bool
	Query    Query
	Action   Action
}

// Result holds the merged outcome of a filter run.
type Result struct {
	Matched []string
	Action  Action
	Targets *TargetSet
}

// IsSet reports whether a boolean action is present and true.
func IsSet(b *bool) bool {
	return b != nil && *b
}

// SpamCheck routes messages whose Key header matches Pattern to the junk
// folder.
type SpamCheck struct {
	Key     string
	Pattern *regexp.Regexp
}

// CompileSpamChecks builds spam checks from configuration. Patterns are case
// insensitive.
func CompileSpamChecks(cfgs []config.SpamHeaderConfig) ([]SpamCheck, error) {
	checks := make([]SpamCheck, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Key == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid spam header pattern for %s: %w", c.Key, err)
		}
		checks = append(checks, SpamCheck{Key: c.Key, Pattern: re})
	}
	return checks, nil
}

// Engine evaluates filters. It is immutable and safe for concurrent use.
type Engine struct {
	spamFilters []Filter
}

// NewEngine creates an engine that appends one synthetic filter per spam
// check after the user's filters.
func NewEngine(checks []SpamCheck) *Engine {
	spam := true
	e := &Engine{}
	for i, c := range checks {
		e.spamFilters = append(e.spamFilters, Filter{
			ID: fmt.Sprintf("SPAM#%d", i+1),
			Query: Query{
				Headers: []HeaderQuery{{Key: c.Key, Regex: c.Pattern}},
			},
			Action: Action{Spam: &spam},
		})
	}
	return e
}

// Evaluate runs every filter in order. All filters are checked; scalar
// actions keep the value of the first filter that set them, forward and
// webhook targets accumulate.
func (e *Engine) Evaluate(userFilters []Filter, msg *mailparse.Message) Result {
	res := Result{Targets: NewTargetSet()}

	all := make([]Filter, 0, len(userFilters)+len(e.spamFilters))
	all = append(all, userFilters...)
	all = append(all, e.spamFilters...)

	text := ""
	for i := range all {
		f := &all[i]
		if f.Disabled {
			continue
		}
		if f.Query.Text != "" && text == "" {
			text = msg.Maildata.FilterText()
		}
		if !matches(&f.Query, msg, text) {
			continue
		}

		res.Matched = append(res.Matched, f.ID)
		kind := "user"
		if strings.HasPrefix(f.ID, "SPAM#") {
			kind = "spam"
		}
		metrics.FilterMatchesTotal.WithLabelValues(kind).Inc()

		merge(&res, &f.Action)
	}
	return res
}

func merge(res *Result, a *Action) {
	if res.Action.Seen == nil && a.Seen != nil {
		res.Action.Seen = a.Seen
	}
	if res.Action.Flag == nil && a.Flag != nil {
		res.Action.Flag = a.Flag
	}
	if res.Action.Spam == nil && a.Spam != nil {
		res.Action.Spam = a.Spam
	}
	if res.Action.Delete == nil && a.Delete != nil {
		res.Action.Delete = a.Delete
	}
	if res.Action.Mailbox == nil && a.Mailbox != nil {
		res.Action.Mailbox = a.Mailbox
	}
	for _, addr := range a.Forward {
		res.Targets.Add(KindOf(addr), addr)
	}
	for _, u := range a.TargetURL {
		res.Targets.Add(TargetHTTP, u)
	}
}

func matches(q *Query, msg *mailparse.Message, text string) bool {
	for _, hq := range q.Headers {
		if !matchHeader(hq, msg.Headers.GetAll(hq.Key)) {
			return false
		}
	}

	if q.HasAttachment != nil && *q.HasAttachment != msg.Maildata.HasAttachments() {
		return false
	}

	if q.Size != 0 {
		size := msg.Size()
		if q.Size < 0 && size > -q.Size {
			return false
		}
		if q.Size > 0 && size < q.Size {
			return false
		}
	}

	if q.Text != "" && !strings.Contains(text, strings.ToLower(q.Text)) {
		return false
	}
	return true
}

// matchHeader checks header values newest first; trace headers are
// prepended, so message order is already newest first.
func matchHeader(hq HeaderQuery, values []string) bool {
	needle := strings.ToLower(hq.Value)
	for _, v := range values {
		if hq.Regex != nil {
			if hq.Regex.MatchString(v) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
