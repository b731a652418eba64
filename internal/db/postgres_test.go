package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host:     "db.internal",
		Port:     5433,
		User:     "portal",
		Database: "sfaxportal",
		SSLMode:  "require",
	}

	dsn := cfg.DSN("sfaxportal-migrator")
	expected := "host=db.internal port=5433 user=portal dbname=sfaxportal sslmode=require application_name=sfaxportal-migrator"
	if dsn != expected {
		t.Errorf("expected %q, got %q", expected, dsn)
	}

	cfg.Password = "s3cret"
	if dsn := cfg.DSN("sfaxportal"); !strings.HasSuffix(dsn, " password=s3cret") {
		t.Errorf("expected password in dsn, got %q", dsn)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestTableFor(t *testing.T) {
	if table, err := tableFor(KindEvent); err != nil || table != "events" {
		t.Errorf("expected events, got %q (%v)", table, err)
	}
	if table, err := tableFor(KindPromotion); err != nil || table != "promotions" {
		t.Errorf("expected promotions, got %q (%v)", table, err)
	}
	if _, err := tableFor("newsletter"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
