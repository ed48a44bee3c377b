package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/patchops/engine/internal/logging"
	"github.com/patchops/engine/internal/patchfilter"
	"github.com/patchops/engine/internal/pkgmgr"
	"github.com/patchops/engine/internal/status"
	"github.com/patchops/engine/internal/window"
)

var log = logging.L("installer")

// StatusRecorder is the slice of the status handler the installer writes to.
type StatusRecorder interface {
	RecordInstallation(names, versions []string, state status.InstallationState, classifications []string) error
	SetMaintenanceWindowExceeded(v bool)
	AddError(name, code, message string)
	Persist() error
}

// Poller is polled between packages for cooperative cancellation.
type Poller interface {
	PollForSupersession() error
}

// Options configures an Installer.
type Options struct {
	Manager pkgmgr.PackageManager
	Filter  *patchfilter.Filter
	Window  *window.MaintenanceWindow
	Status  StatusRecorder
	Poller  Poller

	// RetryCount bounds install attempts per transaction; RetryDelay is the
	// constant pause between them.
	RetryCount int
	RetryDelay time.Duration

	// ReconcileInterval is how many lead packages are processed between
	// reconciliation passes.
	ReconcileInterval int

	Simulate bool
	Clock    func() time.Time
}

// Result is the outcome of one installation run.
type Result struct {
	// InstalledCount includes dependencies and reconciled packages, not only
	// lead packages.
	InstalledCount int
	// Succeeded is false when any lead package ended up Failed.
	Succeeded bool
	// WindowExceeded is set when the loop stopped early on the time budget.
	WindowExceeded bool
}

// Installer runs the installation control loop. It is single-threaded:
// exactly one package-manager invocation is in flight at any time.
type Installer struct {
	opts Options

	// states mirrors what was last recorded per arch-qualified name, so
	// reconciliation can find still-pending packages without re-reading the
	// status document.
	states map[string]status.InstallationState
}

func New(opts Options) *Installer {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Installer{opts: opts, states: make(map[string]status.InstallationState)}
}

// Run refreshes repository metadata and executes the install loop. When the
// package manager updates itself mid-run the loop runs once more against
// fresh metadata; a third request is an anomaly the run cannot absorb.
func (in *Installer) Run(ctx context.Context) (Result, error) {
	if err := in.opts.Manager.RefreshRepository(ctx); err != nil {
		return Result{Succeeded: false}, fmt.Errorf("refresh repository metadata: %w", err)
	}

	res, repeat, err := in.pass(ctx)
	if err != nil || !repeat {
		return res, err
	}

	log.Info("package manager updated itself, repeating the install pass")
	again, repeatAgain, err := in.pass(ctx)
	again.InstalledCount += res.InstalledCount
	again.Succeeded = again.Succeeded && res.Succeeded
	again.WindowExceeded = again.WindowExceeded || res.WindowExceeded
	if err != nil {
		return again, err
	}
	if repeatAgain {
		return again, errors.New("package manager self-updated twice in one run")
	}
	return again, nil
}

func (in *Installer) pass(ctx context.Context) (Result, bool, error) {
	res := Result{Succeeded: true}

	updates, err := in.opts.Manager.ListUpdates(ctx, in.opts.Filter.Classifications())
	if err != nil {
		return res, false, fmt.Errorf("enumerate updates: %w", err)
	}

	candidates, notIncluded := in.opts.Filter.Partition(updates)
	included, excluded := in.splitExcluded(ctx, candidates)

	// Every known package lands in the ledger before anything is attempted,
	// so the report covers packages the loop never reached.
	in.markAll(notIncluded, status.StateNotSelected)
	in.markAll(excluded, status.StateExcluded)
	in.markAll(included, status.StatePending)
	if err := in.opts.Status.Persist(); err != nil {
		return res, false, err
	}

	log.Info("computed install sets",
		"included", len(included), "excluded", len(excluded), "notSelected", len(notIncluded))

	targetVersions := make(map[string]string, len(included))
	for _, u := range included {
		targetVersions[u.Name] = u.Version
	}

	attempted := make(map[string]bool)
	sinceReconcile := 0
	for _, lead := range included {
		if attempted[lead.Name] {
			continue
		}

		if err := in.opts.Poller.PollForSupersession(); err != nil {
			return res, false, err
		}

		if !in.opts.Window.IsInstallTimeAvailable(in.opts.Clock()) {
			log.Warn("maintenance window exhausted, stopping installs",
				"remainingMinutes", in.opts.Window.RemainingMinutes(in.opts.Clock()))
			res.WindowExceeded = true
			in.opts.Status.SetMaintenanceWindowExceeded(true)
			if err := in.opts.Status.Persist(); err != nil {
				return res, false, err
			}
			break
		}

		txn := in.buildTransaction(ctx, lead, included, targetVersions)
		for _, member := range txn {
			attempted[member.Name] = true
		}

		outcome := in.installBounded(ctx, txn)
		in.recordOutcome(lead, outcome, &res)
		in.verifyMembers(ctx, lead, txn, &res)
		if err := in.opts.Status.Persist(); err != nil {
			return res, false, err
		}

		sinceReconcile++
		if sinceReconcile >= in.opts.ReconcileInterval {
			sinceReconcile = 0
			in.reconcile(ctx, targetVersions, &res)
		}
	}

	in.reconcile(ctx, targetVersions, &res)
	if err := in.opts.Status.Persist(); err != nil {
		return res, false, err
	}

	return res, in.opts.Manager.SelfUpdated(), nil
}

// splitExcluded separates candidates into the included and excluded sets.
// Exclusion propagates one level through dependencies: a package whose
// dependency matches an exclusion mask is itself excluded.
func (in *Installer) splitExcluded(ctx context.Context, candidates []pkgmgr.Update) (included, excluded []pkgmgr.Update) {
	for _, u := range candidates {
		if in.opts.Filter.IsExcluded(u.Name) {
			excluded = append(excluded, u)
			continue
		}
		if in.opts.Filter.HasExclusions() {
			deps, depErr := in.opts.Manager.DependenciesOf(ctx, u.Name)
			if depErr != nil {
				log.Warn("dependency enumeration failed", logging.KeyPackage, u.Name, logging.KeyError, depErr)
			}
			if anyExcluded(in.opts.Filter, deps) {
				excluded = append(excluded, u)
				continue
			}
		}
		included = append(included, u)
	}
	return included, excluded
}

func anyExcluded(f *patchfilter.Filter, names []string) bool {
	for _, name := range names {
		if f.IsExcluded(name) {
			return true
		}
	}
	return false
}

// buildTransaction assembles the install set for one lead package: the lead,
// its one-level dependency closure, and any arch siblings from the included
// set. Dependencies inside the included set are pinned to their target
// version; everything else installs whatever the repository offers.
func (in *Installer) buildTransaction(ctx context.Context, lead pkgmgr.Update, included []pkgmgr.Update, targetVersions map[string]string) []pkgmgr.PackageSpec {
	txn := []pkgmgr.PackageSpec{{Name: lead.Name, Version: lead.Version}}
	seen := map[string]bool{lead.Name: true}

	deps, err := in.opts.Manager.DependenciesOf(ctx, lead.Name)
	if err != nil {
		log.Warn("dependency enumeration failed", logging.KeyPackage, lead.Name, logging.KeyError, err)
	}
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		txn = append(txn, pkgmgr.PackageSpec{Name: dep, Version: targetVersions[dep]})
	}

	// Arch siblings of the lead must travel in the same transaction.
	for _, u := range included {
		if seen[u.Name] || !pkgmgr.SameBase(lead.Name, u.Name) {
			continue
		}
		seen[u.Name] = true
		txn = append(txn, pkgmgr.PackageSpec{Name: u.Name, Version: u.Version})
	}

	return txn
}

// installBounded retries the whole transaction up to the configured count
// before accepting Failed. A Pending outcome is not retried; the package may
// still arrive through another transaction's closure.
func (in *Installer) installBounded(ctx context.Context, txn []pkgmgr.PackageSpec) pkgmgr.InstallOutcome {
	var outcome pkgmgr.InstallOutcome

	attempt := func() error {
		o, err := in.opts.Manager.InstallWithDependencies(ctx, txn, in.opts.Simulate)
		if err != nil {
			return err
		}
		outcome = o
		if o == pkgmgr.OutcomeFailed {
			return fmt.Errorf("install transaction reported failure")
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(in.opts.RetryDelay), uint64(in.opts.RetryCount-1))
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		log.Warn("install transaction failed after retries",
			logging.KeyPackage, txn[0].Name, logging.KeyError, err)
		return pkgmgr.OutcomeFailed
	}
	return outcome
}

func (in *Installer) recordOutcome(lead pkgmgr.Update, outcome pkgmgr.InstallOutcome, res *Result) {
	switch outcome {
	case pkgmgr.OutcomeInstalled, pkgmgr.OutcomeObsoleted, pkgmgr.OutcomeReplaced:
		in.mark(lead, status.StateInstalled)
		res.InstalledCount++
	case pkgmgr.OutcomePending:
		// No prior version installed; a later closure may bring it in.
		in.mark(lead, status.StatePending)
	default:
		in.mark(lead, status.StateFailed)
		in.opts.Status.AddError(status.SubstatusInstallation, status.CodePackageManagerFailure,
			fmt.Sprintf("failed to install %s %s", lead.Name, lead.Version))
		res.Succeeded = false
	}
}

// verifyMembers independently checks every non-lead transaction member with
// a pinned version. Members confirmed on disk are Installed; unconfirmed
// ones stay untouched for reconciliation to settle.
func (in *Installer) verifyMembers(ctx context.Context, lead pkgmgr.Update, txn []pkgmgr.PackageSpec, res *Result) {
	for _, member := range txn[1:] {
		if member.Version == "" {
			continue
		}
		ok, err := in.opts.Manager.IsExactVersionInstalled(ctx, member.Name, member.Version)
		if err != nil {
			log.Warn("version verification failed", logging.KeyPackage, member.Name, logging.KeyError, err)
			continue
		}
		if ok && in.states[member.Name] != status.StateInstalled {
			in.mark(pkgmgr.Update{Name: member.Name, Version: member.Version}, status.StateInstalled)
			res.InstalledCount++
		}
	}
}

// reconcile re-enumerates still-needed updates and marks Installed any
// pending package that no longer appears. Dependency installs are not always
// attributable to the command that pulled them in; this pass catches them.
func (in *Installer) reconcile(ctx context.Context, targetVersions map[string]string, res *Result) {
	updates, err := in.opts.Manager.ListUpdates(ctx, in.opts.Filter.Classifications())
	if err != nil {
		log.Warn("reconciliation enumeration failed", logging.KeyError, err)
		return
	}
	stillNeeded := make(map[string]bool, len(updates))
	for _, u := range updates {
		stillNeeded[u.Name] = true
	}

	for name, state := range in.states {
		if state != status.StatePending || stillNeeded[name] {
			continue
		}
		version, ok := targetVersions[name]
		if !ok {
			continue
		}
		in.mark(pkgmgr.Update{Name: name, Version: version}, status.StateInstalled)
		res.InstalledCount++
	}
}

func (in *Installer) markAll(updates []pkgmgr.Update, state status.InstallationState) {
	for _, u := range updates {
		in.mark(u, state)
	}
}

func (in *Installer) mark(u pkgmgr.Update, state status.InstallationState) {
	classifications := classificationStrings(u.Classifications)
	if err := in.opts.Status.RecordInstallation(
		[]string{u.Name}, []string{u.Version}, state, classifications); err != nil {
		log.Warn("recording installation state failed", logging.KeyPackage, u.Name, logging.KeyError, err)
		return
	}
	in.states[u.Name] = state
}

func classificationStrings(cls []pkgmgr.Classification) []string {
	if len(cls) == 0 {
		return nil
	}
	out := make([]string, len(cls))
	for i, c := range cls {
		out[i] = string(c)
	}
	return out
}
