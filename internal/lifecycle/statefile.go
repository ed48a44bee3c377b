package lifecycle

import (
	"path/filepath"
	"strconv"
	"strings"
)

// File names under the config folder. Both sides of the handshake key on
// these exact names.
const (
	coreStateFileName = "CoreState.json"
	extStateFileName  = "ExtState.json"
)

// CoreStateFile is written by this process to record which sequence it is
// executing and how far it got. Completed is the text "true" or "false"
// rather than a JSON bool; the peer expects the quoted form.
type CoreStateFile struct {
	Sequence CoreSequence `json:"coreSequence"`
}

type CoreSequence struct {
	Number        string `json:"number"`
	Action        string `json:"action"`
	Completed     string `json:"completed"`
	LastHeartbeat string `json:"lastHeartbeat"`
	ProcessIDs    []int  `json:"processIds"`
}

// ExtStateFile is written by the host-side handler to announce the newest
// sequence it wants executed. A number above our own means we have been
// superseded.
type ExtStateFile struct {
	Sequence ExtensionSequence `json:"extensionSequence"`
}

type ExtensionSequence struct {
	Number          string `json:"number"`
	AchieveEnableBy string `json:"achieveEnableBy"`
	Operation       string `json:"operation"`
}

// parseSequenceNumber reads the string-typed ordinal both state files carry.
func parseSequenceNumber(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s CoreSequence) IsComplete() bool {
	return s.Completed == "true"
}

func coreStatePath(configFolder string) string {
	return filepath.Join(configFolder, coreStateFileName)
}

func extStatePath(configFolder string) string {
	return filepath.Join(configFolder, extStateFileName)
}

func completedText(done bool) string {
	return strconv.FormatBool(done)
}
