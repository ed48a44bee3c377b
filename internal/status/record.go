package status

// InstallationState is the lifecycle state of one installation record.
// Assessment records carry StateAvailable and never move.
type InstallationState string

const (
	StateAvailable   InstallationState = "Available"
	StateNotSelected InstallationState = "NotSelected"
	StateExcluded    InstallationState = "Excluded"
	StatePending     InstallationState = "Pending"
	StateInstalled   InstallationState = "Installed"
	StateFailed      InstallationState = "Failed"
)

// RebootStatus values attached to the installation summary.
const (
	RebootNotNeeded = "NotNeeded"
	RebootRequired  = "Required"
	RebootStarted   = "Started"
	RebootCompleted = "Completed"
	RebootFailed    = "Failed"
)

// PatchRecord is one row per (name, version) pair observed during assessment
// or installation. PatchID is stable across a run so repeated updates merge
// in place.
type PatchRecord struct {
	PatchID                string            `json:"patchId"`
	Name                   string            `json:"name"`
	Version                string            `json:"version"`
	Classifications        []string          `json:"classifications"`
	PatchInstallationState InstallationState `json:"patchInstallationState,omitempty"`
}

// ErrorDetail is one entry in a substatus error block.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorSummary aggregates the error details of one substatus.
type ErrorSummary struct {
	Code    int           `json:"code"` // 0 = none, 1 = errors present
	Count   int           `json:"count"`
	Details []ErrorDetail `json:"details"`
}

// AssessmentSummary is the JSON-encoded body of the assessment substatus
// message.
type AssessmentSummary struct {
	AssessmentActivityID          string        `json:"assessmentActivityId"`
	RebootPending                 bool          `json:"rebootPending"`
	CriticalAndSecurityPatchCount int           `json:"criticalAndSecurityPatchCount"`
	OtherPatchCount               int           `json:"otherPatchCount"`
	Patches                       []PatchRecord `json:"patches"`
	StartTime                     string        `json:"startTime"`
	LastModifiedTime              string        `json:"lastModifiedTime"`
	Errors                        ErrorSummary  `json:"errors"`
}

// InstallationSummary is the JSON-encoded body of the installation substatus
// message.
type InstallationSummary struct {
	InstallationActivityID    string        `json:"installationActivityId"`
	MaintenanceWindowExceeded bool          `json:"maintenanceWindowExceeded"`
	NotSelectedPatchCount     int           `json:"notSelectedPatchCount"`
	ExcludedPatchCount        int           `json:"excludedPatchCount"`
	PendingPatchCount         int           `json:"pendingPatchCount"`
	InstalledPatchCount       int           `json:"installedPatchCount"`
	FailedPatchCount          int           `json:"failedPatchCount"`
	Patches                   []PatchRecord `json:"patches"`
	StartTime                 string        `json:"startTime"`
	LastModifiedTime          string        `json:"lastModifiedTime"`
	RebootStatus              string        `json:"rebootStatus"`
	Errors                    ErrorSummary  `json:"errors"`
}

// ConfigurePatchingSummary is the JSON-encoded body of the
// configure-patching substatus message.
type ConfigurePatchingSummary struct {
	ActivityID           string       `json:"activityId"`
	StartTime            string       `json:"startTime"`
	LastModifiedTime     string       `json:"lastModifiedTime"`
	AutoAssessmentStatus string       `json:"autoAssessmentStatus"`
	Errors               ErrorSummary `json:"errors"`
}

// ledger holds the full record set for one operation with O(1) upsert via a
// patchId index map.
type ledger struct {
	records []PatchRecord
	index   map[string]int
}

func newLedger() *ledger {
	return &ledger{index: make(map[string]int)}
}

// upsert merges by patchId: re-classification and state changes land on the
// existing row, never on a duplicate.
func (l *ledger) upsert(rec PatchRecord) {
	if i, ok := l.index[rec.PatchID]; ok {
		existing := &l.records[i]
		if rec.Classifications != nil {
			existing.Classifications = rec.Classifications
		}
		if rec.PatchInstallationState != "" {
			existing.PatchInstallationState = rec.PatchInstallationState
		}
		return
	}
	l.index[rec.PatchID] = len(l.records)
	l.records = append(l.records, rec)
}

func (l *ledger) get(patchID string) (PatchRecord, bool) {
	if i, ok := l.index[patchID]; ok {
		return l.records[i], true
	}
	return PatchRecord{}, false
}

func (l *ledger) len() int { return len(l.records) }

func (l *ledger) countByState(state InstallationState) int {
	n := 0
	for i := range l.records {
		if l.records[i].PatchInstallationState == state {
			n++
		}
	}
	return n
}
