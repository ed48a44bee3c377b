package status

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		StatusFolder:           t.TempDir(),
		SequenceNumber:         "3",
		Operation:              "Installation",
		ActivityID:             "activity-1",
		OSNameAndVersion:       "centos_7",
		MaxStatusBytes:         128 * 1024,
		TargetStatusBytes:      126 * 1024,
		TruncationEnabled:      true,
		MinAssessmentPatches:   5,
		MinInstallationPatches: 5,
		Clock: func() time.Time {
			return time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)
		},
	}
}

func readDocument(t *testing.T, path string) Document {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	if len(doc) != 1 {
		t.Fatalf("document must be an array with one element, got %d", len(doc))
	}
	return doc
}

func assessmentSummaryOf(t *testing.T, doc Document) AssessmentSummary {
	t.Helper()
	for _, sub := range doc[0].Status.Substatus {
		if sub.Name == SubstatusAssessment {
			var s AssessmentSummary
			if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &s); err != nil {
				t.Fatalf("parse assessment summary: %v", err)
			}
			return s
		}
	}
	t.Fatal("assessment substatus missing")
	return AssessmentSummary{}
}

func installationSummaryOf(t *testing.T, doc Document) InstallationSummary {
	t.Helper()
	for _, sub := range doc[0].Status.Substatus {
		if sub.Name == SubstatusInstallation {
			var s InstallationSummary
			if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &s); err != nil {
				t.Fatalf("parse installation summary: %v", err)
			}
			return s
		}
	}
	t.Fatal("installation substatus missing")
	return InstallationSummary{}
}

func TestUpsertMergesByPatchID(t *testing.T) {
	h := NewHandler(testOptions(t))
	h.StartSubstatus(SubstatusInstallation)

	if err := h.RecordInstallation([]string{"kernel.x86_64"}, []string{"3.10.0-862.el7"}, StatePending, []string{"Security"}); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordInstallation([]string{"kernel.x86_64"}, []string{"3.10.0-862.el7"}, StateInstalled, nil); err != nil {
		t.Fatal(err)
	}

	if h.installation.len() != 1 {
		t.Fatalf("expected a single merged record, got %d", h.installation.len())
	}
	rec := h.installation.records[0]
	if rec.PatchInstallationState != StateInstalled {
		t.Fatalf("state not updated in place: %s", rec.PatchInstallationState)
	}
	if len(rec.Classifications) != 1 || rec.Classifications[0] != "Security" {
		t.Fatalf("nil classifications must keep the prior value, got %v", rec.Classifications)
	}
	if rec.PatchID != "kernel.x86_64_3.10.0-862.el7_centos_7" {
		t.Fatalf("unexpected patch id: %s", rec.PatchID)
	}
}

func TestBatchLengthMismatchRejected(t *testing.T) {
	h := NewHandler(testOptions(t))
	if err := h.RecordAssessment([]string{"a", "b"}, []string{"1"}, nil); err == nil {
		t.Fatal("expected error for mismatched batch")
	}
}

func TestPersistWritesBothRenderingsThatAgree(t *testing.T) {
	h := NewHandler(testOptions(t))
	h.StartSubstatus(SubstatusAssessment)

	names := make([]string, 500)
	versions := make([]string, 500)
	for i := range names {
		names[i] = fmt.Sprintf("pkg%03d.x86_64", i)
		versions[i] = "1.0.0-1.el7"
	}
	if err := h.RecordAssessment(names, versions, []string{"Security"}); err != nil {
		t.Fatal(err)
	}
	h.CompleteSubstatus(SubstatusAssessment, StateSuccess)

	if err := h.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	complete := readDocument(t, h.CompleteStatusPath())
	agent := readDocument(t, h.AgentStatusPath())

	cs := assessmentSummaryOf(t, complete)
	as := assessmentSummaryOf(t, agent)

	if len(cs.Patches) != 500 || len(as.Patches) != 500 {
		t.Fatalf("expected 500 entries in both renderings, got %d and %d", len(cs.Patches), len(as.Patches))
	}
	if agent[0].Status.Status != StateSuccess {
		t.Fatalf("expected success, got %s", agent[0].Status.Status)
	}
	if cs.CriticalAndSecurityPatchCount != as.CriticalAndSecurityPatchCount ||
		cs.OtherPatchCount != as.OtherPatchCount {
		t.Fatal("renderings must agree on every scalar field")
	}
	if h.TruncationDropped(SubstatusAssessment) != 0 {
		t.Fatal("no truncation expected under the ceiling")
	}
}

func TestErrorOutranksLaterSuccess(t *testing.T) {
	h := NewHandler(testOptions(t))
	h.StartSubstatus(SubstatusInstallation)
	h.CompleteSubstatus(SubstatusInstallation, StateError)
	h.CompleteSubstatus(SubstatusInstallation, StateSuccess)

	if got := h.SubstatusState(SubstatusInstallation); got != StateError {
		t.Fatalf("error must not be downgraded, got %s", got)
	}
}

func TestErrorDetailsCappedAndDeduplicated(t *testing.T) {
	h := NewHandler(testOptions(t))
	h.StartSubstatus(SubstatusInstallation)

	for i := 0; i < 10; i++ {
		h.AddError(SubstatusInstallation, CodePackageManagerFailure, fmt.Sprintf("failure %d", i))
	}
	h.AddError(SubstatusInstallation, CodePackageManagerFailure, "failure 0")

	state := h.state(SubstatusInstallation)
	if len(state.errors) != maxErrorDetails {
		t.Fatalf("expected %d capped details, got %d", maxErrorDetails, len(state.errors))
	}
}

func TestInstallationCountersComeFromFullLedger(t *testing.T) {
	h := NewHandler(testOptions(t))
	h.StartSubstatus(SubstatusInstallation)

	states := []InstallationState{StateInstalled, StateFailed, StatePending, StateExcluded, StateNotSelected}
	for i, s := range states {
		name := fmt.Sprintf("pkg%d.x86_64", i)
		if err := h.RecordInstallation([]string{name}, []string{"1-1"}, s, []string{"Other"}); err != nil {
			t.Fatal(err)
		}
	}
	h.CompleteSubstatus(SubstatusInstallation, StateSuccess)
	if err := h.Persist(); err != nil {
		t.Fatal(err)
	}

	summary := installationSummaryOf(t, readDocument(t, h.AgentStatusPath()))
	if summary.InstalledPatchCount != 1 || summary.FailedPatchCount != 1 ||
		summary.PendingPatchCount != 1 || summary.ExcludedPatchCount != 1 ||
		summary.NotSelectedPatchCount != 1 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
}

func TestReloadFromDiskRestoresLedgersAndRebootState(t *testing.T) {
	opts := testOptions(t)

	h := NewHandler(opts)
	h.StartSubstatus(SubstatusInstallation)
	if err := h.RecordInstallation([]string{"kernel.x86_64"}, []string{"3.10.0-862.el7"}, StatePending, []string{"Security"}); err != nil {
		t.Fatal(err)
	}
	h.SetRebootStatus(RebootStarted)
	h.SetMaintenanceWindowExceeded(true)
	if err := h.Persist(); err != nil {
		t.Fatal(err)
	}

	// A fresh process resuming the same sequence.
	resumed := NewHandler(opts)
	if err := resumed.ReloadFromDisk(); err != nil {
		t.Fatalf("ReloadFromDisk: %v", err)
	}

	if resumed.RebootStatus() != RebootStarted {
		t.Fatalf("reboot status not restored: %s", resumed.RebootStatus())
	}
	if !resumed.MaintenanceWindowExceeded() {
		t.Fatal("window flag not restored")
	}
	state, ok := resumed.InstallationStateOf("kernel.x86_64", "3.10.0-862.el7")
	if !ok || state != StatePending {
		t.Fatalf("ledger not restored, got %q ok=%v", state, ok)
	}
}

func TestOverallStatusAggregation(t *testing.T) {
	h := NewHandler(testOptions(t))
	h.StartSubstatus(SubstatusAssessment)
	h.CompleteSubstatus(SubstatusAssessment, StateSuccess)
	h.StartSubstatus(SubstatusInstallation)
	h.CompleteSubstatus(SubstatusInstallation, StateWarning)

	doc := h.compose(h.assessment.len(), h.installation.len(), false)
	if doc[0].Status.Status != StateWarning {
		t.Fatalf("warning substatus must surface at top level, got %s", doc[0].Status.Status)
	}

	h.CompleteSubstatus(SubstatusInstallation, StateError)
	doc = h.compose(h.assessment.len(), h.installation.len(), false)
	if doc[0].Status.Status != StateError {
		t.Fatalf("error substatus must dominate, got %s", doc[0].Status.Status)
	}
}
