package status

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/patchops/engine/internal/jsonfile"
	"github.com/patchops/engine/internal/logging"
)

var log = logging.L("status")

// maxErrorDetails caps errors.details[] so a pathological run cannot crowd
// patch records out of the size budget.
const maxErrorDetails = 5

// Options configures a Handler. Truncation behavior is threaded in
// explicitly; there is no process-wide toggle.
type Options struct {
	StatusFolder     string
	SequenceNumber   string
	Operation        string
	ActivityID       string
	OSNameAndVersion string

	// MaxStatusBytes is the hard ceiling the host enforces;
	// TargetStatusBytes is the smaller internal target that leaves headroom.
	MaxStatusBytes    int
	TargetStatusBytes int

	TruncationEnabled      bool
	MinAssessmentPatches   int
	MinInstallationPatches int

	Clock func() time.Time
}

type substatusState struct {
	active    bool
	status    string
	errors    []ErrorDetail
	startTime string
}

// Handler owns the in-memory package ledgers and the persisted status
// document. It is the only component that mutates either ledger.
type Handler struct {
	opts Options
	now  func() time.Time

	assessment   *ledger
	installation *ledger

	states map[string]*substatusState
	order  []string

	rebootPending             bool
	rebootStatus              string
	maintenanceWindowExceeded bool
	autoAssessmentStatus      string

	lastAssessmentDropped   int
	lastInstallationDropped int
}

func NewHandler(opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TargetStatusBytes <= 0 || opts.TargetStatusBytes > opts.MaxStatusBytes {
		opts.TargetStatusBytes = opts.MaxStatusBytes
	}
	return &Handler{
		opts:         opts,
		now:          opts.Clock,
		assessment:   newLedger(),
		installation: newLedger(),
		states:       make(map[string]*substatusState),
		rebootStatus: RebootNotNeeded,
	}
}

// AgentStatusPath is the size-bounded rendering the host reads.
func (h *Handler) AgentStatusPath() string {
	return filepath.Join(h.opts.StatusFolder, h.opts.SequenceNumber+".status")
}

// CompleteStatusPath is the untruncated ground-truth rendering.
func (h *Handler) CompleteStatusPath() string {
	return filepath.Join(h.opts.StatusFolder, h.opts.SequenceNumber+".complete.status")
}

// StartSubstatus activates a substatus as transitioning. Activation order is
// preserved in the persisted document.
func (h *Handler) StartSubstatus(name string) {
	state := h.state(name)
	if !state.active {
		state.active = true
		state.status = StateTransitioning
		state.startTime = h.timestamp()
		h.order = append(h.order, name)
	}
}

// CompleteSubstatus records a terminal status. An error status is never
// downgraded by a later success.
func (h *Handler) CompleteSubstatus(name, terminal string) {
	state := h.state(name)
	if !state.active {
		h.StartSubstatus(name)
		state = h.state(name)
	}
	if state.status == StateError && terminal != StateError {
		return
	}
	state.status = terminal
}

// SubstatusState returns the current (pre-truncation) status of a substatus,
// or empty when it was never started.
func (h *Handler) SubstatusState(name string) string {
	if s, ok := h.states[name]; ok && s.active {
		return s.status
	}
	return ""
}

// AddError appends an error detail to a substatus, deduplicated and capped.
func (h *Handler) AddError(name, code, message string) {
	state := h.state(name)
	for _, d := range state.errors {
		if d.Code == code && d.Message == message {
			return
		}
	}
	if len(state.errors) >= maxErrorDetails {
		return
	}
	state.errors = append(state.errors, ErrorDetail{Code: code, Message: message})
}

// HasErrors reports whether any error detail was recorded for the substatus.
func (h *Handler) HasErrors(name string) bool {
	return len(h.state(name).errors) > 0
}

// RecordAssessment bulk-upserts assessment rows. names and versions are
// parallel; the classification set applies to every row in the batch.
func (h *Handler) RecordAssessment(names, versions []string, classifications []string) error {
	if len(names) != len(versions) {
		return fmt.Errorf("assessment batch: %d names vs %d versions", len(names), len(versions))
	}
	for i := range names {
		h.assessment.upsert(PatchRecord{
			PatchID:                h.patchID(names[i], versions[i]),
			Name:                   names[i],
			Version:                versions[i],
			Classifications:        classifications,
			PatchInstallationState: StateAvailable,
		})
	}
	return nil
}

// RecordInstallation bulk-upserts installation rows. A nil classification
// set keeps each row's prior value.
func (h *Handler) RecordInstallation(names, versions []string, state InstallationState, classifications []string) error {
	if len(names) != len(versions) {
		return fmt.Errorf("installation batch: %d names vs %d versions", len(names), len(versions))
	}
	for i := range names {
		h.installation.upsert(PatchRecord{
			PatchID:                h.patchID(names[i], versions[i]),
			Name:                   names[i],
			Version:                versions[i],
			Classifications:        classifications,
			PatchInstallationState: state,
		})
	}
	return nil
}

// InstallationStateOf returns the recorded state for a name+version pair.
func (h *Handler) InstallationStateOf(name, version string) (InstallationState, bool) {
	rec, ok := h.installation.get(h.patchID(name, version))
	if !ok {
		return "", false
	}
	return rec.PatchInstallationState, true
}

func (h *Handler) SetRebootPending(pending bool)       { h.rebootPending = pending }
func (h *Handler) SetRebootStatus(status string)       { h.rebootStatus = status }
func (h *Handler) RebootStatus() string                { return h.rebootStatus }
func (h *Handler) SetMaintenanceWindowExceeded(v bool) { h.maintenanceWindowExceeded = v }
func (h *Handler) MaintenanceWindowExceeded() bool     { return h.maintenanceWindowExceeded }
func (h *Handler) SetAutoAssessmentStatus(s string)    { h.autoAssessmentStatus = s }

// TruncationDropped returns how many records the last persist removed from
// the named substatus, for logging and telemetry.
func (h *Handler) TruncationDropped(name string) int {
	switch name {
	case SubstatusAssessment:
		return h.lastAssessmentDropped
	case SubstatusInstallation:
		return h.lastInstallationDropped
	}
	return 0
}

// Persist writes both renderings: the complete record and the size-bounded
// agent-facing record. Called after every meaningful state change.
func (h *Handler) Persist() error {
	complete, err := json.Marshal(h.compose(h.assessment.len(), h.installation.len(), false))
	if err != nil {
		return fmt.Errorf("compose complete status: %w", err)
	}
	if err := jsonfile.WriteBytesRetry(h.CompleteStatusPath(), complete,
		jsonfile.DefaultRetryCount, jsonfile.DefaultRetryDelay); err != nil {
		return fmt.Errorf("persist complete status: %w", err)
	}

	agent, droppedA, droppedI, err := h.renderAgentDocument(complete)
	if err != nil {
		return fmt.Errorf("compose agent status: %w", err)
	}
	h.lastAssessmentDropped = droppedA
	h.lastInstallationDropped = droppedI
	if droppedA > 0 || droppedI > 0 {
		log.Warn("status truncated to fit reporting ceiling",
			"assessmentDropped", droppedA, "installationDropped", droppedI,
			"bytes", len(agent), "target", h.opts.TargetStatusBytes)
	}

	if err := jsonfile.WriteBytesRetry(h.AgentStatusPath(), agent,
		jsonfile.DefaultRetryCount, jsonfile.DefaultRetryDelay); err != nil {
		return fmt.Errorf("persist agent status: %w", err)
	}
	return nil
}

// ReloadFromDisk rebuilds the ledgers and reboot state from the complete
// rendering of a previous invocation of the same sequence.
func (h *Handler) ReloadFromDisk() error {
	var doc Document
	if err := jsonfile.Read(h.CompleteStatusPath(), &doc); err != nil {
		return err
	}
	if len(doc) != 1 {
		return fmt.Errorf("status document must hold exactly one element, found %d", len(doc))
	}

	for _, sub := range doc[0].Status.Substatus {
		switch sub.Name {
		case SubstatusAssessment:
			var summary AssessmentSummary
			if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
				return fmt.Errorf("reload assessment summary: %w", err)
			}
			h.StartSubstatus(SubstatusAssessment)
			h.state(SubstatusAssessment).status = sub.Status
			h.state(SubstatusAssessment).startTime = summary.StartTime
			h.state(SubstatusAssessment).errors = summary.Errors.Details
			h.rebootPending = summary.RebootPending
			for _, rec := range summary.Patches {
				h.assessment.upsert(rec)
			}
		case SubstatusInstallation:
			var summary InstallationSummary
			if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
				return fmt.Errorf("reload installation summary: %w", err)
			}
			h.StartSubstatus(SubstatusInstallation)
			h.state(SubstatusInstallation).status = sub.Status
			h.state(SubstatusInstallation).startTime = summary.StartTime
			h.state(SubstatusInstallation).errors = summary.Errors.Details
			h.maintenanceWindowExceeded = summary.MaintenanceWindowExceeded
			if summary.RebootStatus != "" {
				h.rebootStatus = summary.RebootStatus
			}
			for _, rec := range summary.Patches {
				h.installation.upsert(rec)
			}
		case SubstatusConfigurePatching:
			var summary ConfigurePatchingSummary
			if err := json.Unmarshal([]byte(sub.FormattedMessage.Message), &summary); err != nil {
				return fmt.Errorf("reload configure summary: %w", err)
			}
			h.StartSubstatus(SubstatusConfigurePatching)
			h.state(SubstatusConfigurePatching).status = sub.Status
			h.state(SubstatusConfigurePatching).startTime = summary.StartTime
			h.autoAssessmentStatus = summary.AutoAssessmentStatus
		}
	}
	return nil
}

// compose builds the document with the first kA assessment and kI
// installation records. Aggregate counters always come from the full
// ledgers, never the truncated slices. demote downgrades success to warning
// on substatuses that lost records and carry no error.
func (h *Handler) compose(kA, kI int, demote bool) Document {
	nowTS := h.timestamp()

	top := TopStatus{
		Name:      statusName,
		Operation: h.opts.Operation,
		Code:      0,
	}

	for _, name := range h.order {
		state := h.states[name]
		sub := Substatus{Name: name, Code: 0}

		var message any
		switch name {
		case SubstatusAssessment:
			critical, other := h.assessmentCounts()
			summary := AssessmentSummary{
				AssessmentActivityID:          h.opts.ActivityID,
				RebootPending:                 h.rebootPending,
				CriticalAndSecurityPatchCount: critical,
				OtherPatchCount:               other,
				Patches:                       h.assessment.records[:kA],
				StartTime:                     state.startTime,
				LastModifiedTime:              nowTS,
				Errors:                        h.errorSummary(state),
			}
			sub.Status = h.substatusReportedState(state, demote && kA < h.assessment.len())
			message = summary
		case SubstatusInstallation:
			summary := InstallationSummary{
				InstallationActivityID:    h.opts.ActivityID,
				MaintenanceWindowExceeded: h.maintenanceWindowExceeded,
				NotSelectedPatchCount:     h.installation.countByState(StateNotSelected),
				ExcludedPatchCount:        h.installation.countByState(StateExcluded),
				PendingPatchCount:         h.installation.countByState(StatePending),
				InstalledPatchCount:       h.installation.countByState(StateInstalled),
				FailedPatchCount:          h.installation.countByState(StateFailed),
				Patches:                   h.installation.records[:kI],
				StartTime:                 state.startTime,
				LastModifiedTime:          nowTS,
				RebootStatus:              h.rebootStatus,
				Errors:                    h.errorSummary(state),
			}
			sub.Status = h.substatusReportedState(state, demote && kI < h.installation.len())
			message = summary
		case SubstatusConfigurePatching:
			summary := ConfigurePatchingSummary{
				ActivityID:           h.opts.ActivityID,
				StartTime:            state.startTime,
				LastModifiedTime:     nowTS,
				AutoAssessmentStatus: h.autoAssessmentStatus,
				Errors:               h.errorSummary(state),
			}
			sub.Status = h.substatusReportedState(state, false)
			message = summary
		}

		encoded, err := json.Marshal(message)
		if err != nil {
			// Summaries are plain data; a marshal failure is a programming
			// error surfaced on the substatus rather than dropped.
			encoded = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
			sub.Status = StateError
		}
		sub.FormattedMessage = FormattedMessage{Lang: messageLang, Message: string(encoded)}
		top.Substatus = append(top.Substatus, sub)
	}

	top.Status = h.overallStatus(top.Substatus)
	top.FormattedMessage = FormattedMessage{
		Lang:    messageLang,
		Message: fmt.Sprintf("operation %s in sequence %s", h.opts.Operation, h.opts.SequenceNumber),
	}

	return Document{{
		Version:      documentVersion,
		TimestampUTC: nowTS,
		Status:       top,
	}}
}

func (h *Handler) substatusReportedState(state *substatusState, truncated bool) string {
	if truncated && state.status == StateSuccess && len(state.errors) == 0 {
		// Error outranks the truncation warning; success does not.
		return StateWarning
	}
	return state.status
}

func (h *Handler) overallStatus(subs []Substatus) string {
	overall := StateSuccess
	for _, sub := range subs {
		switch sub.Status {
		case StateError:
			return StateError
		case StateWarning:
			overall = StateWarning
		case StateTransitioning:
			if overall == StateSuccess {
				overall = StateTransitioning
			}
		}
	}
	if len(subs) == 0 {
		return StateTransitioning
	}
	return overall
}

func (h *Handler) assessmentCounts() (criticalAndSecurity, other int) {
	for i := range h.assessment.records {
		if isCriticalOrSecurity(h.assessment.records[i].Classifications) {
			criticalAndSecurity++
		} else {
			other++
		}
	}
	return criticalAndSecurity, other
}

func isCriticalOrSecurity(classifications []string) bool {
	for _, c := range classifications {
		if c == "Critical" || c == "Security" {
			return true
		}
	}
	return false
}

func (h *Handler) errorSummary(state *substatusState) ErrorSummary {
	summary := ErrorSummary{
		Count:   len(state.errors),
		Details: state.errors,
	}
	if summary.Details == nil {
		summary.Details = []ErrorDetail{}
	}
	if summary.Count > 0 {
		summary.Code = 1
	}
	return summary
}

func (h *Handler) state(name string) *substatusState {
	if s, ok := h.states[name]; ok {
		return s
	}
	s := &substatusState{}
	h.states[name] = s
	return s
}

func (h *Handler) patchID(name, version string) string {
	return name + "_" + version + "_" + h.opts.OSNameAndVersion
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}
