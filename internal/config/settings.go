package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Operation names requested by the host.
const (
	OperationAssessment        = "Assessment"
	OperationInstallation      = "Installation"
	OperationConfigurePatching = "ConfigurePatching"
)

// Reboot settings accepted from the host.
const (
	RebootNever      = "Never"
	RebootIfRequired = "IfRequired"
	RebootAlways     = "Always"
)

// EnvironmentSettings is the host-provided folder layout, passed on the
// command line as a base64-encoded JSON blob.
type EnvironmentSettings struct {
	LogFolder    string `json:"logFolder"`
	ConfigFolder string `json:"configFolder"`
	StatusFolder string `json:"statusFolder"`
}

// OperationSettings describes one host-requested operation, passed on the
// command line as a base64-encoded JSON blob.
type OperationSettings struct {
	Operation                string   `json:"operation"`
	ActivityID               string   `json:"activityId"`
	StartTime                string   `json:"startTime"`       // RFC 3339
	MaximumDuration          string   `json:"maximumDuration"` // ISO 8601, e.g. "PT2H"
	RebootSetting            string   `json:"rebootSetting"`
	ClassificationsToInclude []string `json:"classificationsToInclude"`
	PatchesToInclude         []string `json:"patchesToInclude"`
	PatchesToExclude         []string `json:"patchesToExclude"`
}

// DecodeEnvironmentSettings decodes and validates the environment blob.
func DecodeEnvironmentSettings(encoded string) (*EnvironmentSettings, error) {
	var env EnvironmentSettings
	if err := decodeBlob(encoded, &env); err != nil {
		return nil, fmt.Errorf("environment settings: %w", err)
	}
	if env.LogFolder == "" || env.ConfigFolder == "" || env.StatusFolder == "" {
		return nil, fmt.Errorf("environment settings: log, config and status folders are all required")
	}
	return &env, nil
}

// DecodeOperationSettings decodes and validates the operation blob.
func DecodeOperationSettings(encoded string) (*OperationSettings, error) {
	var op OperationSettings
	if err := decodeBlob(encoded, &op); err != nil {
		return nil, fmt.Errorf("operation settings: %w", err)
	}

	switch op.Operation {
	case OperationAssessment, OperationInstallation, OperationConfigurePatching:
	case "":
		return nil, fmt.Errorf("operation settings: operation is required")
	default:
		return nil, fmt.Errorf("operation settings: unknown operation %q", op.Operation)
	}

	switch op.RebootSetting {
	case RebootNever, RebootIfRequired, RebootAlways:
	case "":
		op.RebootSetting = RebootIfRequired
	default:
		return nil, fmt.Errorf("operation settings: unknown reboot setting %q", op.RebootSetting)
	}

	if op.Operation == OperationInstallation {
		if op.StartTime == "" || op.MaximumDuration == "" {
			return nil, fmt.Errorf("operation settings: installation requires startTime and maximumDuration")
		}
	}

	return &op, nil
}

func decodeBlob(encoded string, out any) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}
