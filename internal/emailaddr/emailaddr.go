// Package emailaddr normalizes and validates inbound email addresses before
// they reach contact storage, so the same mailbox always resolves to the
// same contact regardless of casing or a trailing dot on the domain.
package emailaddr

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	localPartRE   = regexp.MustCompile(`^[a-z0-9]([a-z0-9._+-]*[a-z0-9])?$`)
	validDomainRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
)

// Canonicalize parses and normalizes a contact email address. Validation is
// intentionally conservative (ASCII, no display name, no quoted local part)
// to keep contact matching predictable.
func Canonicalize(address string) (canonical string, localPart string, domain string, err error) {
	raw := strings.TrimSpace(address)
	if raw == "" {
		return "", "", "", fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return "", "", "", fmt.Errorf("address must not contain spaces")
	}
	raw = strings.ToLower(raw)

	parts := strings.Split(raw, "@")
	if len(parts) != 2 {
		return "", "", "", fmt.Errorf("invalid address: %q", address)
	}
	localPart = strings.TrimSpace(parts[0])
	domain = strings.TrimSpace(parts[1])
	if localPart == "" || domain == "" {
		return "", "", "", fmt.Errorf("invalid address: %q", address)
	}
	if !localPartRE.MatchString(localPart) {
		return "", "", "", fmt.Errorf("invalid local part: %q", localPart)
	}

	domain = strings.TrimSuffix(domain, ".")
	if !validDomainRE.MatchString(domain) {
		return "", "", "", fmt.Errorf("invalid domain: %q", domain)
	}

	return localPart + "@" + domain, localPart, domain, nil
}
