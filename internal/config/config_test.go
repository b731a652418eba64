package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "MAIL_TRANSPORT", "MAIL_RELAY_TRANSPORT", "CALENDAR_TIMEZONE", "RETRY_MAX_ATTEMPTS", "OPERATOR_JWT_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MailTransport != TransportSMTP {
		t.Errorf("expected smtp transport, got %s", cfg.MailTransport)
	}
	if cfg.MailRelayTransport != TransportSMTP {
		t.Errorf("expected smtp relay transport, got %s", cfg.MailRelayTransport)
	}
	if !cfg.SMTPInsecureSkipVerify {
		t.Error("expected relaxed SMTP certificate validation by default")
	}
	if cfg.CalendarTimezone != time.UTC {
		t.Errorf("expected UTC calendar zone, got %s", cfg.CalendarTimezone)
	}
	if cfg.EventReminderInterval != time.Minute {
		t.Errorf("expected 1m reminder interval, got %s", cfg.EventReminderInterval)
	}
	if cfg.RetryMaxAttempts != 0 || cfg.RetryBackoff != 0 {
		t.Errorf("expected unlimited retries without backoff, got %d/%s", cfg.RetryMaxAttempts, cfg.RetryBackoff)
	}
	if cfg.ReminderRefreshSnapshot {
		t.Error("snapshot refresh should default to off")
	}
	if cfg.OperatorJWTSecret != "" {
		t.Error("operator overrides should be disabled by default")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("MAIL_TRANSPORT", "log")
	t.Setenv("CALENDAR_TIMEZONE", "Africa/Tunis")
	t.Setenv("RECONCILE_INTERVAL", "1h")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BACKOFF", "15m")
	t.Setenv("REMINDER_REFRESH_SNAPSHOT", "true")
	t.Setenv("OPERATOR_JWT_SECRET", "ops-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.CalendarTimezone.String() != "Africa/Tunis" {
		t.Errorf("expected Africa/Tunis, got %s", cfg.CalendarTimezone)
	}
	if cfg.ReconcileInterval != time.Hour {
		t.Errorf("expected 1h, got %s", cfg.ReconcileInterval)
	}
	if cfg.RetryMaxAttempts != 5 || cfg.RetryBackoff != 15*time.Minute {
		t.Errorf("unexpected retry policy %d/%s", cfg.RetryMaxAttempts, cfg.RetryBackoff)
	}
	if !cfg.ReminderRefreshSnapshot {
		t.Error("expected snapshot refresh enabled")
	}
	if cfg.OperatorJWTSecret != "ops-secret" {
		t.Errorf("expected operator secret, got %q", cfg.OperatorJWTSecret)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "eighty"},
		{"MAIL_TRANSPORT", "pigeon"},
		{"MAIL_RELAY_TRANSPORT", "sqs"},
		{"CALENDAR_TIMEZONE", "Mars/Olympus"},
		{"EVENT_REMINDER_INTERVAL", "soon"},
		{"RECONCILE_INTERVAL", "0s"},
		{"RETRY_MAX_ATTEMPTS", "-1"},
		{"SMTP_INSECURE_SKIP_VERIFY", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_SQSTransportRequiresQueue(t *testing.T) {
	t.Setenv("MAIL_TRANSPORT", "sqs")
	t.Setenv("SQS_MAIL_QUEUE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when sqs transport has no queue url")
	}
}
