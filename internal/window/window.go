package window

import (
	"fmt"
	"time"

	"github.com/sosodev/duration"
)

// Defaults for the configurable cutoffs.
const (
	// RebootBufferMinutes is reserved at the end of the window so a reboot can
	// always be scheduled after the last install.
	RebootBufferMinutes = 15

	// PackageInstallCeilingMinutes is the expected worst case for one package
	// transaction.
	PackageInstallCeilingMinutes = 5
)

// MaintenanceWindow converts a start time and ISO 8601 duration into a
// remaining-minutes budget. It holds no mutable state; every call recomputes
// from the wall clock.
type MaintenanceWindow struct {
	start time.Time
	total time.Duration

	rebootBuffer   time.Duration
	packageCeiling time.Duration
}

// New parses the host-provided start time (RFC 3339) and maximum duration
// (ISO 8601, e.g. "PT3H30M"). Non-positive cutoffs fall back to the package
// defaults.
func New(startTime, maximumDuration string, rebootBufferMinutes, packageCeilingMinutes int) (*MaintenanceWindow, error) {
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return nil, fmt.Errorf("maintenance window start time %q: %w", startTime, err)
	}

	d, err := duration.Parse(maximumDuration)
	if err != nil {
		return nil, fmt.Errorf("maintenance window duration %q: %w", maximumDuration, err)
	}
	total := d.ToTimeDuration()
	if total <= 0 {
		return nil, fmt.Errorf("maintenance window duration %q must be positive", maximumDuration)
	}

	if rebootBufferMinutes <= 0 {
		rebootBufferMinutes = RebootBufferMinutes
	}
	if packageCeilingMinutes <= 0 {
		packageCeilingMinutes = PackageInstallCeilingMinutes
	}

	return &MaintenanceWindow{
		start:          start,
		total:          total,
		rebootBuffer:   time.Duration(rebootBufferMinutes) * time.Minute,
		packageCeiling: time.Duration(packageCeilingMinutes) * time.Minute,
	}, nil
}

// RemainingMinutes returns the budget left as of now, never negative.
func (w *MaintenanceWindow) RemainingMinutes(now time.Time) float64 {
	elapsed := now.Sub(w.start)
	remaining := w.total - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining.Minutes()
}

// IsInstallTimeAvailable reports whether another package install fits. The
// cutoff is conservative: the reboot buffer plus one worst-case install must
// still fit in the remaining budget.
func (w *MaintenanceWindow) IsInstallTimeAvailable(now time.Time) bool {
	cutoff := (w.rebootBuffer + w.packageCeiling).Minutes()
	return w.RemainingMinutes(now) > cutoff
}

// IsRebootTimeAvailable reports whether the fixed reboot buffer still fits.
func (w *MaintenanceWindow) IsRebootTimeAvailable(now time.Time) bool {
	return w.RemainingMinutes(now) > w.rebootBuffer.Minutes()
}

// TotalMinutes returns the window's full duration in minutes.
func (w *MaintenanceWindow) TotalMinutes() float64 {
	return w.total.Minutes()
}
