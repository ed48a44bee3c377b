package window

import (
	"testing"
	"time"
)

func mustWindow(t *testing.T, start, dur string) *MaintenanceWindow {
	t.Helper()
	w, err := New(start, dur, 0, 0)
	if err != nil {
		t.Fatalf("New(%q, %q): %v", start, dur, err)
	}
	return w
}

func TestRemainingMinutes(t *testing.T) {
	w := mustWindow(t, "2026-08-30T01:00:00Z", "PT2H")

	now := time.Date(2026, 8, 30, 1, 30, 0, 0, time.UTC)
	if got := w.RemainingMinutes(now); got != 90 {
		t.Fatalf("expected 90 minutes remaining, got %v", got)
	}
}

func TestRemainingMinutesNeverNegative(t *testing.T) {
	w := mustWindow(t, "2026-08-30T01:00:00Z", "PT1H")

	now := time.Date(2026, 8, 30, 5, 0, 0, 0, time.UTC)
	if got := w.RemainingMinutes(now); got != 0 {
		t.Fatalf("expected 0 after the window closed, got %v", got)
	}
}

func TestRemainingRecomputedPerCall(t *testing.T) {
	w := mustWindow(t, "2026-08-30T01:00:00Z", "PT3H30M")

	first := w.RemainingMinutes(time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC))
	second := w.RemainingMinutes(time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC))
	if first != 210 || second != 150 {
		t.Fatalf("expected 210 then 150, got %v then %v", first, second)
	}
}

func TestInstallCutoff(t *testing.T) {
	w := mustWindow(t, "2026-08-30T01:00:00Z", "PT1H")

	// 21 minutes left: above the 15+5 cutoff.
	if !w.IsInstallTimeAvailable(time.Date(2026, 8, 30, 1, 39, 0, 0, time.UTC)) {
		t.Fatal("expected install time available above cutoff")
	}
	// Exactly 20 minutes left: at the cutoff, no further installs.
	if w.IsInstallTimeAvailable(time.Date(2026, 8, 30, 1, 40, 0, 0, time.UTC)) {
		t.Fatal("expected no install time at the cutoff boundary")
	}
	// Reboot buffer alone still fits here.
	if !w.IsRebootTimeAvailable(time.Date(2026, 8, 30, 1, 40, 0, 0, time.UTC)) {
		t.Fatal("expected reboot time still available")
	}
	// 10 minutes left: below the reboot buffer.
	if w.IsRebootTimeAvailable(time.Date(2026, 8, 30, 1, 50, 0, 0, time.UTC)) {
		t.Fatal("expected no reboot time below the buffer")
	}
}

func TestConfiguredCutoffsOverrideDefaults(t *testing.T) {
	w, err := New("2026-08-30T01:00:00Z", "PT1H", 30, 10)
	if err != nil {
		t.Fatal(err)
	}

	// 45 minutes left: above the 30+10 cutoff.
	if !w.IsInstallTimeAvailable(time.Date(2026, 8, 30, 1, 15, 0, 0, time.UTC)) {
		t.Fatal("expected install time available above the configured cutoff")
	}
	// 40 minutes left: at the configured cutoff, under the default one.
	if w.IsInstallTimeAvailable(time.Date(2026, 8, 30, 1, 20, 0, 0, time.UTC)) {
		t.Fatal("expected the configured cutoff to stop installs")
	}
	// 25 minutes left: under the configured 30-minute reboot buffer.
	if w.IsRebootTimeAvailable(time.Date(2026, 8, 30, 1, 35, 0, 0, time.UTC)) {
		t.Fatal("expected the configured buffer to block the reboot")
	}
}

func TestInvalidInputs(t *testing.T) {
	if _, err := New("not-a-time", "PT1H", 0, 0); err == nil {
		t.Fatal("expected error for bad start time")
	}
	if _, err := New("2026-08-30T01:00:00Z", "2 hours", 0, 0); err == nil {
		t.Fatal("expected error for non-ISO duration")
	}
	if _, err := New("2026-08-30T01:00:00Z", "PT0S", 0, 0); err == nil {
		t.Fatal("expected error for zero duration")
	}
}
