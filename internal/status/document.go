package status

// Wire format constants. Field names are bit-exact host contracts.
const (
	documentVersion = 1.0
	statusName      = "Azure Patch Management"
	messageLang     = "en-US"
)

// Substatus names understood by the host.
const (
	SubstatusAssessment        = "PatchAssessmentSummary"
	SubstatusInstallation      = "PatchInstallationSummary"
	SubstatusConfigurePatching = "ConfigurePatchingSummary"
)

// Status values the host understands.
const (
	StateSuccess       = "success"
	StateError         = "error"
	StateWarning       = "warning"
	StateTransitioning = "transitioning"
)

// Error detail codes carried in errors.details[].
const (
	CodeOperationFailed           = "OPERATION_FAILED"
	CodeOperationSuperseded       = "OPERATION_SUPERSEDED"
	CodeMaintenanceWindowExceeded = "MAINTENANCE_WINDOW_EXCEEDED"
	CodePackageManagerFailure     = "PACKAGE_MANAGER_FAILURE"
	CodeInvalidConfiguration      = "INVALID_CONFIGURATION"
	CodeRebootFailed              = "REBOOT_FAILED"
)

// Document is the status file body: a JSON array with exactly one element.
type Document []TopLevel

type TopLevel struct {
	Version      float64   `json:"version"`
	TimestampUTC string    `json:"timestampUTC"`
	Status       TopStatus `json:"status"`
}

type TopStatus struct {
	Name             string           `json:"name"`
	Operation        string           `json:"operation"`
	Status           string           `json:"status"`
	Code             int              `json:"code"`
	FormattedMessage FormattedMessage `json:"formattedMessage"`
	Substatus        []Substatus      `json:"substatus"`
}

type FormattedMessage struct {
	Lang    string `json:"lang"`
	Message string `json:"message"`
}

type Substatus struct {
	Name             string           `json:"name"`
	Status           string           `json:"status"`
	Code             int              `json:"code"`
	FormattedMessage FormattedMessage `json:"formattedMessage"`
}
