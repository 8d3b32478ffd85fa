package emailingest

import "testing"

func TestParsePlainTextMessage(t *testing.T) {
	raw := []byte("From: Jane Doe <jane@example.com>\r\n" +
		"Subject: Need help [#42]\r\n" +
		"Message-Id: <abc123@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hello support team")

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.FromAddr != "jane@example.com" || got.FromName != "Jane Doe" {
		t.Fatalf("unexpected from: %+v", got)
	}
	if got.MessageID != "abc123@example.com" {
		t.Fatalf("unexpected message id: %q", got.MessageID)
	}
	if got.Text != "Hello support team" {
		t.Fatalf("unexpected body: %q", got.Text)
	}
}

func TestParseHTMLOnlyMessageSanitizesToText(t *testing.T) {
	raw := []byte("From: jane@example.com\r\n" +
		"Subject: trouble\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>Hello <script>alert(1)</script>world</p>")

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Text != "Hello world" {
		t.Fatalf("expected sanitized text, got %q", got.Text)
	}
}

func TestExtractReferenceNumber(t *testing.T) {
	cases := map[string]int64{
		"Re: your ticket [#42]":      42,
		"Re: your ticket [REF#7]":    7,
		"no tag here":                0,
	}
	for subject, want := range cases {
		got, ok := ExtractReferenceNumber(subject)
		if want == 0 {
			if ok {
				t.Fatalf("expected no match for %q, got %d", subject, got)
			}
			continue
		}
		if !ok || got != want {
			t.Fatalf("subject %q: expected %d, got %d (ok=%v)", subject, want, got, ok)
		}
	}
}
