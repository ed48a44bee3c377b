package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patchops/engine/internal/config"
	"github.com/patchops/engine/internal/installer"
	"github.com/patchops/engine/internal/lifecycle"
	"github.com/patchops/engine/internal/logging"
	"github.com/patchops/engine/internal/pkgmgr"
	"github.com/patchops/engine/internal/reboot"
	"github.com/patchops/engine/internal/status"
	"github.com/patchops/engine/internal/window"
)

var log = logging.L("engine")

// Deps are the collaborators one run is wired with. Tests inject fakes; the
// cmd layer constructs the real set.
type Deps struct {
	Operation *config.OperationSettings

	Manager   pkgmgr.PackageManager
	Status    *status.Handler
	Lifecycle *lifecycle.Manager
	Reboot    *reboot.Manager
	Installer *installer.Installer
}

// Engine drives one host-requested operation end to end.
type Engine struct {
	deps Deps
}

func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// EnsureActivityID fills a missing activity id so every substatus carries
// one even when the host omitted it.
func EnsureActivityID(op *config.OperationSettings) {
	if strings.TrimSpace(op.ActivityID) == "" {
		op.ActivityID = uuid.NewString()
	}
}

// Run executes the operation. A nil return covers both normal completion
// and deliberate no-ops (replay, supersession); any error means the run
// failed and the process should exit non-zero.
func (e *Engine) Run(ctx context.Context) error {
	decision, err := e.deps.Lifecycle.OnStart(ctx)
	if errors.Is(err, lifecycle.ErrSuperseded) {
		return e.concede(activeSubstatusFor(e.deps.Operation.Operation))
	}
	if err != nil {
		return fmt.Errorf("lifecycle handshake: %w", err)
	}

	switch decision {
	case lifecycle.Replay:
		return nil
	case lifecycle.Resume:
		if err := e.deps.Status.ReloadFromDisk(); err != nil {
			log.Warn("no prior status to resume from", logging.KeyError, err)
		}
		if err := e.deps.Reboot.ObserveStartup(ctx); err != nil {
			return fmt.Errorf("settle in-flight reboot: %w", err)
		}
	}

	err = e.runPhases(ctx)
	if errors.Is(err, lifecycle.ErrSuperseded) {
		return e.concede(status.SubstatusInstallation)
	}
	if err != nil {
		e.failUnreported(err)
		if hbErr := e.deps.Lifecycle.MarkCompleted(); hbErr != nil {
			log.Error("marking lifecycle completed after failure", logging.KeyError, hbErr)
		}
		return err
	}

	if err := e.deps.Lifecycle.MarkCompleted(); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

func (e *Engine) runPhases(ctx context.Context) error {
	if err := e.deps.Lifecycle.Heartbeat(false); err != nil {
		return err
	}

	// Assessment always runs, whatever the requested operation.
	if err := e.runAssessment(ctx); err != nil {
		return err
	}

	switch e.deps.Operation.Operation {
	case config.OperationInstallation:
		return e.runInstallation(ctx)
	case config.OperationConfigurePatching:
		return e.runConfigurePatching()
	}
	return nil
}

func (e *Engine) runAssessment(ctx context.Context) error {
	h := e.deps.Status
	h.StartSubstatus(status.SubstatusAssessment)
	if err := h.Persist(); err != nil {
		return err
	}

	if err := e.deps.Manager.RefreshRepository(ctx); err != nil {
		h.AddError(status.SubstatusAssessment, status.CodePackageManagerFailure, err.Error())
		h.CompleteSubstatus(status.SubstatusAssessment, status.StateError)
		_ = h.Persist()
		return fmt.Errorf("assessment refresh: %w", err)
	}

	updates, err := e.deps.Manager.ListUpdates(ctx, nil)
	if err != nil {
		h.AddError(status.SubstatusAssessment, status.CodePackageManagerFailure, err.Error())
		h.CompleteSubstatus(status.SubstatusAssessment, status.StateError)
		_ = h.Persist()
		return fmt.Errorf("assessment enumeration: %w", err)
	}

	batches := batchByClassification(updates)
	keys := make([]string, 0, len(batches))
	for classification := range batches {
		keys = append(keys, classification)
	}
	// Stable batch order keeps the ledger, and with it the truncation
	// boundary, reproducible across runs.
	sort.Strings(keys)

	for _, classification := range keys {
		batch := batches[classification]
		names := make([]string, len(batch))
		versions := make([]string, len(batch))
		for i, u := range batch {
			names[i] = u.Name
			versions[i] = u.Version
		}
		var cls []string
		if classification != "" {
			cls = strings.Split(classification, ",")
		}
		if err := h.RecordAssessment(names, versions, cls); err != nil {
			return err
		}
	}

	pending, err := e.deps.Manager.IsRebootPending(ctx)
	if err != nil {
		log.Warn("reboot-pending probe failed", logging.KeyError, err)
	} else {
		h.SetRebootPending(pending)
	}

	h.CompleteSubstatus(status.SubstatusAssessment, status.StateSuccess)
	log.Info("assessment complete", "updates", len(updates), "rebootPending", pending)
	return h.Persist()
}

func (e *Engine) runInstallation(ctx context.Context) error {
	h := e.deps.Status
	h.StartSubstatus(status.SubstatusInstallation)
	if err := h.Persist(); err != nil {
		return err
	}

	// A reboot left pending by earlier activity is settled first so the
	// install loop starts on a clean machine.
	pending, _ := e.deps.Manager.IsRebootPending(ctx)
	if pending {
		issued, err := e.deps.Reboot.MaybeReboot(ctx, true)
		if issued {
			return e.rebootFailure(err)
		}
		if err != nil {
			return err
		}
	}

	res, err := e.deps.Installer.Run(ctx)
	if errors.Is(err, lifecycle.ErrSuperseded) {
		return err
	}
	if err != nil {
		h.AddError(status.SubstatusInstallation, status.CodePackageManagerFailure, err.Error())
		h.CompleteSubstatus(status.SubstatusInstallation, status.StateError)
		_ = h.Persist()
		return err
	}

	pending, _ = e.deps.Manager.IsRebootPending(ctx)
	if issued, rbErr := e.deps.Reboot.MaybeReboot(ctx, pending); issued {
		return e.rebootFailure(rbErr)
	} else if rbErr != nil {
		return rbErr
	}

	final := e.finalInstallState(res, pending)
	if final == status.StateError && res.Succeeded && res.WindowExceeded {
		h.AddError(status.SubstatusInstallation, status.CodeMaintenanceWindowExceeded,
			"maintenance window expired before the required reboot")
	}
	h.CompleteSubstatus(status.SubstatusInstallation, final)
	log.Info("installation complete",
		"installed", res.InstalledCount, "succeeded", res.Succeeded,
		"windowExceeded", res.WindowExceeded)
	return h.Persist()
}

// finalInstallState maps the loop result onto the reported status. Running
// out of window is an error unless the reboot policy would not have used
// the reserved tail anyway, which softens it to a warning.
func (e *Engine) finalInstallState(res installer.Result, rebootPending bool) string {
	switch {
	case !res.Succeeded:
		return status.StateError
	case res.WindowExceeded && !e.deps.Reboot.ShouldReboot(rebootPending):
		return status.StateWarning
	case res.WindowExceeded:
		return status.StateError
	default:
		return status.StateSuccess
	}
}

func (e *Engine) runConfigurePatching() error {
	h := e.deps.Status
	h.StartSubstatus(status.SubstatusConfigurePatching)
	h.SetAutoAssessmentStatus(status.StateSuccess)
	h.CompleteSubstatus(status.SubstatusConfigurePatching, status.StateSuccess)
	return h.Persist()
}

// concede records a superseded stop on the active substatus and releases
// the sequence so the successor does not wait on it. Supersession is a
// deliberate hand-off, not a failure; the process exits zero.
func (e *Engine) concede(substatusName string) error {
	h := e.deps.Status
	if h.SubstatusState(substatusName) == "" {
		h.StartSubstatus(substatusName)
	}
	h.AddError(substatusName, status.CodeOperationSuperseded,
		fmt.Sprintf("sequence %d superseded by a newer request", e.deps.Lifecycle.Sequence()))
	h.CompleteSubstatus(substatusName, status.StateError)
	if err := h.Persist(); err != nil {
		log.Error("persisting superseded status", logging.KeyError, err)
	}
	if err := e.deps.Lifecycle.MarkCompleted(); err != nil {
		return fmt.Errorf("release superseded sequence: %w", err)
	}
	log.Info("run superseded, stopping", "sequence", e.deps.Lifecycle.Sequence())
	return nil
}

func (e *Engine) rebootFailure(err error) error {
	h := e.deps.Status
	h.AddError(status.SubstatusInstallation, status.CodeRebootFailed, err.Error())
	h.CompleteSubstatus(status.SubstatusInstallation, status.StateError)
	_ = h.Persist()
	return err
}

// failUnreported marks whichever phase never reached a terminal status as
// Error so the host is not left watching a transitioning document forever.
func (e *Engine) failUnreported(cause error) {
	h := e.deps.Status
	for _, name := range []string{activeSubstatusFor(e.deps.Operation.Operation), status.SubstatusAssessment} {
		switch h.SubstatusState(name) {
		case "", status.StateTransitioning:
			h.StartSubstatus(name)
			h.AddError(name, status.CodeOperationFailed, cause.Error())
			h.CompleteSubstatus(name, status.StateError)
		}
	}
	if err := h.Persist(); err != nil {
		log.Error("persisting failure status", logging.KeyError, err)
	}
}

func activeSubstatusFor(operation string) string {
	switch operation {
	case config.OperationInstallation:
		return status.SubstatusInstallation
	case config.OperationConfigurePatching:
		return status.SubstatusConfigurePatching
	}
	return status.SubstatusAssessment
}

func batchByClassification(updates []pkgmgr.Update) map[string][]pkgmgr.Update {
	batches := make(map[string][]pkgmgr.Update)
	for _, u := range updates {
		parts := make([]string, len(u.Classifications))
		for i, c := range u.Classifications {
			parts[i] = string(c)
		}
		key := strings.Join(parts, ",")
		batches[key] = append(batches[key], u)
	}
	return batches
}

// BuildWindow derives the maintenance window for installation runs. Other
// operations have no time budget. Cutoffs come from the engine config.
func BuildWindow(op *config.OperationSettings, rebootBufferMinutes, packageCeilingMinutes int) (*window.MaintenanceWindow, error) {
	if op.Operation != config.OperationInstallation {
		return nil, nil
	}
	w, err := window.New(op.StartTime, op.MaximumDuration, rebootBufferMinutes, packageCeilingMinutes)
	if err != nil {
		return nil, fmt.Errorf("maintenance window: %w", err)
	}
	return w, nil
}

// deadline for the whole run, independent of the maintenance window.
func RunDeadline(cfg *config.Config) time.Duration {
	return time.Duration(cfg.MaxRunMinutes) * time.Minute
}
