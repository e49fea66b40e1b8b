package cron

import (
	"testing"
	"time"
)

func TestNextRunAfterEveryMinute(t *testing.T) {
	after := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	next, err := NextRun("*/1 * * * *", "UTC", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("next %v must be strictly after %v", next, after)
	}
	if next.Sub(after) > 2*time.Minute {
		t.Fatalf("next %v too far from %v for */1 schedule", next, after)
	}
}

func TestNextRunRespectsTimezone(t *testing.T) {
	after := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	// 09:00 in America/New_York (EDT, UTC-4) is 13:00 UTC in June.
	next, err := NextRun("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if next.Hour() != 13 {
		t.Fatalf("expected 13:00 UTC (09:00 EDT), got %v", next)
	}
}

func TestNextRunUnknownTimezone(t *testing.T) {
	_, err := NextRun("0 9 * * *", "Not/ARealZone", time.Now())
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestNextRunInvalidSchedule(t *testing.T) {
	_, err := NextRun("not a cron expr", "UTC", time.Now())
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestIsValidExpr(t *testing.T) {
	if !IsValidExpr("*/5 * * * *") {
		t.Fatal("expected */5 * * * * to be valid")
	}
	if IsValidExpr("garbage") {
		t.Fatal("expected garbage to be invalid")
	}
}
