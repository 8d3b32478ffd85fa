package emailaddr

import "testing"

func TestCanonicalizeLowercasesAndTrimsTrailingDot(t *testing.T) {
	canonical, local, domain, err := Canonicalize("  Alice.Smith@Example.COM. ")
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if canonical != "alice.smith@example.com" {
		t.Fatalf("expected canonical alice.smith@example.com, got %q", canonical)
	}
	if local != "alice.smith" || domain != "example.com" {
		t.Fatalf("expected local=alice.smith domain=example.com, got local=%q domain=%q", local, domain)
	}
}

func TestCanonicalizeRejectsMissingAtSign(t *testing.T) {
	if _, _, _, err := Canonicalize("not-an-address"); err == nil {
		t.Fatalf("expected error for address without @")
	}
}

func TestCanonicalizeRejectsSpaces(t *testing.T) {
	if _, _, _, err := Canonicalize("al ice@example.com"); err == nil {
		t.Fatalf("expected error for address containing spaces")
	}
}

func TestCanonicalizeRejectsInvalidDomain(t *testing.T) {
	if _, _, _, err := Canonicalize("alice@not_a_domain"); err == nil {
		t.Fatalf("expected error for invalid domain")
	}
}
