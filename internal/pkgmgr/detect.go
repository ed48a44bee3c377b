package pkgmgr

import (
	"fmt"
	"os/exec"

	"github.com/patchops/engine/internal/shellexec"
)

// Detect picks the package manager available on this host, preferring the
// RPM family when both are somehow present.
func Detect(runner *shellexec.Runner) (PackageManager, error) {
	if _, err := exec.LookPath("dnf"); err == nil {
		return NewYumManager("dnf", runner), nil
	}
	if _, err := exec.LookPath("yum"); err == nil {
		return NewYumManager("yum", runner), nil
	}
	if _, err := exec.LookPath("apt-get"); err == nil {
		return NewAptManager(runner), nil
	}
	return nil, fmt.Errorf("no supported package manager found (dnf, yum, apt-get)")
}
