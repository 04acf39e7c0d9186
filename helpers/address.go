package helpers

import (
	"strings"

	"golang.org/x/net/idna"
)

// SplitEmailAddress splits an address on its last "@". The domain is empty
// when no "@" is present.
func SplitEmailAddress(email string) (string, string) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// NormalizeDomain lower-cases a domain and converts it to its ASCII
// (punycode) form. Domains idna rejects are only lower-cased.
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// NormalizeAddress returns the canonical key for an address: the local part
// trimmed, the domain lower-cased and punycoded. The local part keeps its
// case.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	local, domain := SplitEmailAddress(address)
	local = strings.TrimSpace(local)
	if domain == "" {
		return local
	}
	return local + "@" + NormalizeDomain(domain)
}

// AddressView returns the lookup form of an address used to match users:
// lower-case local part without dots or "+label" suffix, normalized domain.
func AddressView(address string) string {
	local, domain := SplitEmailAddress(strings.TrimSpace(address))
	local = strings.ToLower(strings.TrimSpace(local))
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	local = strings.ReplaceAll(local, ".", "")
	if domain == "" {
		return local
	}
	return local + "@" + NormalizeDomain(domain)
}

// RecipientDomain returns the part after the last "@" with any address
// literal brackets removed.
func RecipientDomain(recipient string) string {
	_, domain := SplitEmailAddress(recipient)
	domain = strings.TrimPrefix(domain, "[")
	return strings.TrimSuffix(domain, "]")
}
