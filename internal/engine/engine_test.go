package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/patchops/engine/internal/config"
	"github.com/patchops/engine/internal/installer"
	"github.com/patchops/engine/internal/jsonfile"
	"github.com/patchops/engine/internal/lifecycle"
	"github.com/patchops/engine/internal/patchfilter"
	"github.com/patchops/engine/internal/pkgmgr"
	"github.com/patchops/engine/internal/reboot"
	"github.com/patchops/engine/internal/shellexec"
	"github.com/patchops/engine/internal/status"
	"github.com/patchops/engine/internal/window"
)

type fakeManager struct {
	updates       []pkgmgr.Update
	rebootPending bool
	refreshErr    error

	refreshCalls int
	listCalls    int
	installCalls int
}

func (m *fakeManager) Name() string                 { return "fake" }
func (m *fakeManager) SupportsClassification() bool { return false }
func (m *fakeManager) SelfUpdated() bool            { return false }

func (m *fakeManager) RefreshRepository(context.Context) error {
	m.refreshCalls++
	return m.refreshErr
}

func (m *fakeManager) ListUpdates(context.Context, []pkgmgr.Classification) ([]pkgmgr.Update, error) {
	m.listCalls++
	return append([]pkgmgr.Update(nil), m.updates...), nil
}

func (m *fakeManager) DependenciesOf(context.Context, string) ([]string, error) { return nil, nil }

func (m *fakeManager) IsExactVersionInstalled(context.Context, string, string) (bool, error) {
	return false, nil
}

func (m *fakeManager) InstallWithDependencies(_ context.Context, pkgs []pkgmgr.PackageSpec, _ bool) (pkgmgr.InstallOutcome, error) {
	m.installCalls++
	kept := m.updates[:0]
	for _, u := range m.updates {
		if u.Name != pkgs[0].Name {
			kept = append(kept, u)
		}
	}
	m.updates = kept
	return pkgmgr.OutcomeInstalled, nil
}

func (m *fakeManager) IsRebootPending(context.Context) (bool, error) { return m.rebootPending, nil }

type noRebootRunner struct{ commands int }

func (r *noRebootRunner) Run(context.Context, string, ...string) (shellexec.Result, error) {
	r.commands++
	return shellexec.Result{}, nil
}

type testRig struct {
	engine    *Engine
	manager   *fakeManager
	handler   *status.Handler
	lifecycle *lifecycle.Manager
	runner    *noRebootRunner
	folder    string
}

func installationSettings() *config.OperationSettings {
	return &config.OperationSettings{
		Operation:       config.OperationInstallation,
		ActivityID:      "act-1",
		StartTime:       time.Now().UTC().Format(time.RFC3339),
		MaximumDuration: "PT2H",
		RebootSetting:   config.RebootIfRequired,
	}
}

func newRig(t *testing.T, folder string, sequence int, op *config.OperationSettings, mgr *fakeManager) *testRig {
	t.Helper()

	handler := status.NewHandler(status.Options{
		StatusFolder:           folder,
		SequenceNumber:         fmt.Sprint(sequence),
		Operation:              op.Operation,
		ActivityID:             op.ActivityID,
		OSNameAndVersion:       "centos_7",
		MaxStatusBytes:         128 * 1024,
		TargetStatusBytes:      126 * 1024,
		TruncationEnabled:      true,
		MinAssessmentPatches:   5,
		MinInstallationPatches: 5,
	})

	lm := lifecycle.NewManager(lifecycle.Options{
		ConfigFolder: folder,
		Sequence:     sequence,
		Action:       op.Operation,
		WaitTimeout:  50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		PID:          4242,
	})

	var win *window.MaintenanceWindow
	if op.Operation == config.OperationInstallation {
		var err error
		win, err = BuildWindow(op, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
	}

	runner := &noRebootRunner{}
	rb := reboot.NewManager(reboot.Options{
		Policy:         op.RebootSetting,
		Window:         win,
		Status:         handler,
		Runner:         runner,
		DelayMinutes:   5,
		TimeoutMinutes: 5,
		Sleep:          func(time.Duration) {},
	})

	filter, err := patchfilter.New(op.ClassificationsToInclude, op.PatchesToInclude, op.PatchesToExclude)
	if err != nil {
		t.Fatal(err)
	}
	inst := installer.New(installer.Options{
		Manager:           mgr,
		Filter:            filter,
		Window:            win,
		Status:            handler,
		Poller:            lm,
		RetryCount:        3,
		RetryDelay:        time.Millisecond,
		ReconcileInterval: 10,
	})

	return &testRig{
		engine: New(Deps{
			Operation: op,
			Manager:   mgr,
			Status:    handler,
			Lifecycle: lm,
			Reboot:    rb,
			Installer: inst,
		}),
		manager:   mgr,
		handler:   handler,
		lifecycle: lm,
		runner:    runner,
		folder:    folder,
	}
}

func readAgentDocument(t *testing.T, rig *testRig) status.Document {
	t.Helper()
	data, err := os.ReadFile(rig.handler.AgentStatusPath())
	if err != nil {
		t.Fatal(err)
	}
	var doc status.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func substatusOf(doc status.Document, name string) (status.Substatus, bool) {
	for _, sub := range doc[0].Status.Substatus {
		if sub.Name == name {
			return sub, true
		}
	}
	return status.Substatus{}, false
}

func coreCompleted(t *testing.T, folder string) bool {
	t.Helper()
	var core struct {
		Sequence struct {
			Completed string `json:"completed"`
		} `json:"coreSequence"`
	}
	if err := jsonfile.Read(filepath.Join(folder, "CoreState.json"), &core); err != nil {
		t.Fatal(err)
	}
	return core.Sequence.Completed == "true"
}

func TestInstallationRunEndToEnd(t *testing.T) {
	folder := t.TempDir()
	mgr := &fakeManager{updates: []pkgmgr.Update{
		{Name: "pkg0.x86_64", Version: "1.0-1"},
		{Name: "pkg1.x86_64", Version: "2.0-1"},
	}}
	rig := newRig(t, folder, 1, installationSettings(), mgr)

	if err := rig.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc := readAgentDocument(t, rig)
	if doc[0].Status.Status != status.StateSuccess {
		t.Fatalf("expected overall success, got %s", doc[0].Status.Status)
	}
	for _, name := range []string{status.SubstatusAssessment, status.SubstatusInstallation} {
		sub, ok := substatusOf(doc, name)
		if !ok || sub.Status != status.StateSuccess {
			t.Fatalf("substatus %s missing or not success", name)
		}
	}
	if mgr.installCalls != 2 {
		t.Fatalf("expected 2 installs, got %d", mgr.installCalls)
	}
	if !coreCompleted(t, folder) {
		t.Fatal("sequence not marked completed")
	}
}

func TestReplayOfCompletedSequenceIsNoOp(t *testing.T) {
	folder := t.TempDir()
	op := installationSettings()

	first := newRig(t, folder, 1, op, &fakeManager{})
	if err := first.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	replayMgr := &fakeManager{updates: []pkgmgr.Update{{Name: "pkg.x86_64", Version: "1-1"}}}
	replay := newRig(t, folder, 1, op, replayMgr)
	if err := replay.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if replayMgr.refreshCalls != 0 || replayMgr.installCalls != 0 {
		t.Fatal("replay must produce no package-manager side effects")
	}
}

func TestSupersessionLeavesCompletedSubstatusAlone(t *testing.T) {
	folder := t.TempDir()
	mgr := &fakeManager{updates: []pkgmgr.Update{{Name: "pkg.x86_64", Version: "1-1"}}}
	rig := newRig(t, folder, 1, installationSettings(), mgr)

	// The host announces sequence 2 before this run starts installing.
	if err := jsonfile.Write(filepath.Join(folder, "ExtState.json"), map[string]any{
		"extensionSequence": map[string]any{"number": "2", "operation": "Installation"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := rig.engine.Run(context.Background()); err != nil {
		t.Fatalf("supersession is a clean stop, got %v", err)
	}

	doc := readAgentDocument(t, rig)
	sub, ok := substatusOf(doc, status.SubstatusInstallation)
	if !ok || sub.Status != status.StateError {
		t.Fatal("superseded run must surface an error substatus")
	}
	var summary status.InstallationSummary
	if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
		t.Fatal(err)
	}
	if len(summary.Errors.Details) == 0 ||
		summary.Errors.Details[0].Code != status.CodeOperationSuperseded {
		t.Fatalf("expected a superseded error code, got %+v", summary.Errors)
	}
	if !coreCompleted(t, folder) {
		t.Fatal("superseded sequence must release itself for the successor")
	}
	if mgr.installCalls != 0 {
		t.Fatal("no installs may run after supersession")
	}
}

func TestResumeReusesPersistedLedger(t *testing.T) {
	folder := t.TempDir()
	op := installationSettings()

	// First invocation dies mid-run: core state says incomplete, one patch
	// already recorded in the persisted document.
	first := newRig(t, folder, 1, op, &fakeManager{})
	first.handler.StartSubstatus(status.SubstatusInstallation)
	if err := first.handler.RecordInstallation(
		[]string{"done.x86_64"}, []string{"1-1"}, status.StateInstalled, nil); err != nil {
		t.Fatal(err)
	}
	if err := first.handler.Persist(); err != nil {
		t.Fatal(err)
	}
	if err := first.lifecycle.Heartbeat(false); err != nil {
		t.Fatal(err)
	}

	second := newRig(t, folder, 1, op, &fakeManager{})
	if err := second.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	state, ok := second.handler.InstallationStateOf("done.x86_64", "1-1")
	if !ok || state != status.StateInstalled {
		t.Fatalf("prior progress lost on resume: %q ok=%v", state, ok)
	}
	if !coreCompleted(t, folder) {
		t.Fatal("resumed sequence must complete")
	}
}

func TestResumeAfterRebootSettlesStartedToCompleted(t *testing.T) {
	folder := t.TempDir()
	op := installationSettings()

	// First invocation issued a reboot and died with it: the document holds
	// RebootStatus Started and the core state is incomplete.
	first := newRig(t, folder, 1, op, &fakeManager{})
	first.handler.StartSubstatus(status.SubstatusInstallation)
	first.handler.SetRebootStatus(status.RebootStarted)
	if err := first.handler.Persist(); err != nil {
		t.Fatal(err)
	}
	if err := first.lifecycle.Heartbeat(false); err != nil {
		t.Fatal(err)
	}

	second := newRig(t, folder, 1, op, &fakeManager{})
	if err := second.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc := readAgentDocument(t, second)
	sub, ok := substatusOf(doc, status.SubstatusInstallation)
	if !ok {
		t.Fatal("installation substatus missing")
	}
	var summary status.InstallationSummary
	if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.RebootStatus != status.RebootCompleted {
		t.Fatalf("resumed run must settle Started to Completed, got %q", summary.RebootStatus)
	}
}

func TestPolicyNeverWithPendingRebootStillInstalls(t *testing.T) {
	folder := t.TempDir()
	op := installationSettings()
	op.RebootSetting = config.RebootNever
	mgr := &fakeManager{
		updates:       []pkgmgr.Update{{Name: "pkg.x86_64", Version: "1-1"}},
		rebootPending: true,
	}
	rig := newRig(t, folder, 1, op, mgr)

	if err := rig.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rig.runner.commands != 0 {
		t.Fatal("policy Never must never issue a reboot command")
	}
	if mgr.installCalls != 1 {
		t.Fatalf("install loop must still run, got %d installs", mgr.installCalls)
	}
	doc := readAgentDocument(t, rig)
	sub, _ := substatusOf(doc, status.SubstatusInstallation)
	var summary status.InstallationSummary
	if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.RebootStatus != status.RebootRequired {
		t.Fatalf("pending reboot must be reported Required, got %s", summary.RebootStatus)
	}
}

func TestExhaustedWindowWithRequiredRebootReportsError(t *testing.T) {
	folder := t.TempDir()
	op := installationSettings()
	op.StartTime = time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	op.MaximumDuration = "PT2H10M"
	mgr := &fakeManager{
		updates:       []pkgmgr.Update{{Name: "pkg.x86_64", Version: "1-1"}},
		rebootPending: true,
	}
	rig := newRig(t, folder, 1, op, mgr)

	if err := rig.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mgr.installCalls != 0 {
		t.Fatalf("no install fits a spent window, got %d", mgr.installCalls)
	}
	if rig.runner.commands != 0 {
		t.Fatal("no reboot fits a spent window")
	}

	doc := readAgentDocument(t, rig)
	sub, ok := substatusOf(doc, status.SubstatusInstallation)
	if !ok || sub.Status != status.StateError {
		t.Fatal("a reboot the window could not honor must be an error")
	}
	var summary status.InstallationSummary
	if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
		t.Fatal(err)
	}
	if !summary.MaintenanceWindowExceeded {
		t.Fatal("window overrun must be flagged in the summary")
	}
	found := false
	for _, d := range summary.Errors.Details {
		if d.Code == status.CodeMaintenanceWindowExceeded {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a window-exceeded error detail, got %+v", summary.Errors)
	}
}

func TestRefreshFailureMarksAssessmentErrorAndReleasesSequence(t *testing.T) {
	folder := t.TempDir()
	mgr := &fakeManager{refreshErr: fmt.Errorf("mirror unreachable")}
	rig := newRig(t, folder, 1, installationSettings(), mgr)

	if err := rig.engine.Run(context.Background()); err == nil {
		t.Fatal("expected the refresh failure to surface")
	}

	doc := readAgentDocument(t, rig)
	sub, ok := substatusOf(doc, status.SubstatusAssessment)
	if !ok || sub.Status != status.StateError {
		t.Fatal("assessment must be marked error")
	}
	if !coreCompleted(t, folder) {
		t.Fatal("a failed run must still release the sequence")
	}
}

func TestAssessmentRecordOrderIsDeterministic(t *testing.T) {
	folder := t.TempDir()
	op := installationSettings()
	op.Operation = config.OperationAssessment
	mgr := &fakeManager{updates: []pkgmgr.Update{
		{Name: "openssl.x86_64", Version: "1-1", Classifications: []pkgmgr.Classification{pkgmgr.ClassificationSecurity}},
		{Name: "kernel.x86_64", Version: "2-1", Classifications: []pkgmgr.Classification{pkgmgr.ClassificationCritical}},
		{Name: "vim.x86_64", Version: "3-1", Classifications: []pkgmgr.Classification{pkgmgr.ClassificationOther}},
		{Name: "glibc.x86_64", Version: "4-1", Classifications: []pkgmgr.Classification{pkgmgr.ClassificationCritical}},
	}}
	rig := newRig(t, folder, 1, op, mgr)

	if err := rig.engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc := readAgentDocument(t, rig)
	sub, ok := substatusOf(doc, status.SubstatusAssessment)
	if !ok {
		t.Fatal("assessment substatus missing")
	}
	var summary status.AssessmentSummary
	if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
		t.Fatal(err)
	}

	// Batches land sorted by classification, input order within each batch.
	want := []string{"kernel.x86_64", "glibc.x86_64", "vim.x86_64", "openssl.x86_64"}
	if len(summary.Patches) != len(want) {
		t.Fatalf("expected %d patches, got %d", len(want), len(summary.Patches))
	}
	for i, name := range want {
		if summary.Patches[i].Name != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, summary.Patches[i].Name)
		}
	}
}

func TestEnsureActivityIDFillsMissingValue(t *testing.T) {
	op := &config.OperationSettings{Operation: config.OperationAssessment}
	EnsureActivityID(op)
	if op.ActivityID == "" {
		t.Fatal("activity id must be generated when absent")
	}

	op2 := &config.OperationSettings{ActivityID: "given"}
	EnsureActivityID(op2)
	if op2.ActivityID != "given" {
		t.Fatal("an existing activity id must be kept")
	}
}
