package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	if _, err := ParseCron("0 * * * *"); err != nil {
		t.Fatalf("expected valid expression, got %v", err)
	}
	if _, err := ParseCron("*/5 9-17 * * 1-5"); err != nil {
		t.Fatalf("expected valid expression, got %v", err)
	}

	if _, err := ParseCron(""); !errors.Is(err, ErrCronRequired) {
		t.Fatalf("expected ErrCronRequired for empty expression, got %v", err)
	}
	if _, err := ParseCron("   "); !errors.Is(err, ErrCronRequired) {
		t.Fatalf("expected ErrCronRequired for blank expression, got %v", err)
	}
	if _, err := ParseCron("@hourly"); err == nil {
		t.Fatal("expected descriptor expressions to be rejected")
	}
	if _, err := ParseCron("not a cron"); err == nil {
		t.Fatal("expected garbage expression to be rejected")
	}
	if _, err := ParseCron("* * *"); err == nil {
		t.Fatal("expected short expression to be rejected")
	}
}

func TestNextTriggerHourly(t *testing.T) {
	reference := time.Date(2025, 3, 10, 10, 5, 0, 0, time.UTC)

	next := NextTrigger("0 * * * *", reference, time.UTC)
	if next == nil {
		t.Fatal("expected a next trigger time")
	}
	want := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next trigger = %v, want %v", next, want)
	}

	// Strictly after the reference: asking from an exact trigger time
	// yields the following one, which is how the scheduler preserves
	// cadence for the follow-up.
	following := NextTrigger("0 * * * *", want, time.UTC)
	if following == nil {
		t.Fatal("expected a following trigger time")
	}
	wantFollowing := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if !following.Equal(wantFollowing) {
		t.Fatalf("following trigger = %v, want %v", following, wantFollowing)
	}
}

func TestNextTriggerInvalidExpr(t *testing.T) {
	if next := NextTrigger("definitely broken", time.Now(), time.UTC); next != nil {
		t.Fatalf("expected nil for invalid expression, got %v", next)
	}
	if next := NextTrigger("", time.Now(), time.UTC); next != nil {
		t.Fatalf("expected nil for empty expression, got %v", next)
	}
}

func TestNextOccurrences(t *testing.T) {
	schedule, err := ParseCron("0 9 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	times := NextOccurrences(schedule, base, 3)
	if len(times) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(times))
	}
	for i, got := range times {
		want := time.Date(2025, 3, 10+i, 9, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("occurrence %d = %v, want %v", i, got, want)
		}
	}
}

func TestValidateTask(t *testing.T) {
	if err := ValidateTask(&Task{Type: TaskTypeOneOff, Command: "uptime"}); err != nil {
		t.Fatalf("expected valid one-off task, got %v", err)
	}
	if err := ValidateTask(&Task{Type: TaskTypeOneOff}); err == nil {
		t.Fatal("expected missing command to be rejected")
	}
	if err := ValidateTask(&Task{Type: TaskTypeCron, Command: "uptime", CronExpr: "0 * * * *"}); err != nil {
		t.Fatalf("expected valid cron task, got %v", err)
	}
	if err := ValidateTask(&Task{Type: TaskTypeCron, Command: "uptime"}); !errors.Is(err, ErrCronRequired) {
		t.Fatalf("expected ErrCronRequired, got %v", err)
	}
	if err := ValidateTask(&Task{Type: TaskType("daily"), Command: "uptime"}); err == nil {
		t.Fatal("expected unknown task type to be rejected")
	}
}
