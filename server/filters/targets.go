package filters

import "strings"

// TargetKind selects how an outbound copy is delivered.
type TargetKind string

const (
	TargetMail  TargetKind = "mail"  // plain forward to an address
	TargetHTTP  TargetKind = "http"  // webhook upload
	TargetRelay TargetKind = "relay" // delivery through a fixed MX
)

// KindOf classifies a forward value: smtp:// and smtps:// URLs are relays,
// http:// and https:// URLs are webhooks, anything else is an address.
func KindOf(value string) TargetKind {
	lower := strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.HasPrefix(lower, "smtp://"), strings.HasPrefix(lower, "smtps://"):
		return TargetRelay
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return TargetHTTP
	}
	return TargetMail
}

// Target is one forwarding destination. Recipients adds extra envelope
// recipients for relay and http targets.
type Target struct {
	Kind       TargetKind `json:"type"`
	Value      string     `json:"value"`
	Recipients []string   `json:"recipient,omitempty"`
}

// TargetSet is an insertion-ordered set of targets keyed by value.
type TargetSet struct {
	list []Target
	seen map[string]struct{}
}

// NewTargetSet creates an empty set.
func NewTargetSet() *TargetSet {
	return &TargetSet{seen: make(map[string]struct{})}
}

// Add inserts a target unless one with the same value exists. It reports
// whether the target was added.
func (s *TargetSet) Add(kind TargetKind, value string) bool {
	if value == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[value]; ok {
		return false
	}
	s.seen[value] = struct{}{}
	s.list = append(s.list, Target{Kind: kind, Value: value})
	return true
}

// Len returns the number of targets.
func (s *TargetSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.list)
}

// List returns the targets in insertion order.
func (s *TargetSet) List() []Target {
	if s == nil {
		return nil
	}
	out := make([]Target, len(s.list))
	copy(out, s.list)
	return out
}
