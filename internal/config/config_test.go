package config

import "testing"

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OXIDESK_DB_DSN", "postgres://localhost/oxidesk")
	t.Setenv("OXIDESK_HTTP_ADDR", ":9000")
	t.Setenv("OXIDESK_DEV_MODE", "false")
	t.Setenv("OXIDESK_EMAIL_HOST", "imap.example.com")
	t.Setenv("OXIDESK_EMAIL_POLL_INTERVAL_SECONDS", "45")
	t.Setenv("OXIDESK_AUTOMATION_CASCADE_MAX_DEPTH", "5")
	t.Setenv("OXIDESK_RATE_LIMIT_PASSWORD_RESET", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://localhost/oxidesk" {
		t.Fatalf("expected database dsn override")
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("expected http addr override")
	}
	if cfg.Dev.Mode {
		t.Fatalf("expected dev mode false")
	}
	if cfg.Email.Host != "imap.example.com" {
		t.Fatalf("expected email host override")
	}
	if cfg.Email.PollIntervalSecs != 45 {
		t.Fatalf("expected poll interval override")
	}
	if cfg.Automation.CascadeMaxDepth != 5 {
		t.Fatalf("expected cascade max depth override")
	}
	if cfg.RateLimit.PasswordResetPerWindow != 3 {
		t.Fatalf("expected rate limit override")
	}
}

func TestLoadMissingDSN(t *testing.T) {
	t.Setenv("OXIDESK_DB_DSN", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for missing database dsn")
	}
}
