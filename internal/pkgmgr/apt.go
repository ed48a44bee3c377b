package pkgmgr

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/patchops/engine/internal/shellexec"
)

// rebootRequiredFile is written by update-notifier on Debian-family hosts.
const rebootRequiredFile = "/var/run/reboot-required"

// AptManager drives apt-get through the shell. apt carries no usable
// classification metadata, so every update reports as Other and callers
// selecting Unclassified receive the full set.
type AptManager struct {
	runner      *shellexec.Runner
	selfUpdated bool
}

func NewAptManager(runner *shellexec.Runner) *AptManager {
	if runner == nil {
		runner = shellexec.New(shellexec.DefaultTimeout, 2, 5*time.Second)
	}
	return &AptManager{runner: runner}
}

func (a *AptManager) Name() string                 { return "apt" }
func (a *AptManager) SupportsClassification() bool { return false }
func (a *AptManager) SelfUpdated() bool {
	v := a.selfUpdated
	a.selfUpdated = false
	return v
}

func (a *AptManager) RefreshRepository(ctx context.Context) error {
	result, err := a.runner.RunWithRetry(ctx, "apt-get", "-q", "update")
	if err != nil {
		return fmt.Errorf("apt-get update failed: %w: %s", err, result.Output())
	}
	return nil
}

func (a *AptManager) ListUpdates(ctx context.Context, filter []Classification) ([]Update, error) {
	result, err := a.runner.Run(ctx, "apt", "list", "--upgradable")
	if err != nil {
		return nil, fmt.Errorf("apt list failed: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("apt list exited %d: %s", result.ExitCode, result.Output())
	}

	var updates []Update
	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Lines look like "openssl/jammy-updates 3.0.2-0ubuntu1.10 amd64 [upgradable from: ...]".
		if line == "" || strings.HasPrefix(line, "Listing") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, _, found := strings.Cut(fields[0], "/")
		if !found {
			name = fields[0]
		}
		u := Update{
			Name:            name,
			Version:         fields[1],
			Classifications: []Classification{ClassificationOther},
		}
		if matchesFilter(u, filter) {
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func (a *AptManager) DependenciesOf(ctx context.Context, name string) ([]string, error) {
	result, err := a.runner.Run(ctx, "apt-cache", "depends", name)
	if err != nil {
		return nil, fmt.Errorf("apt-cache depends failed: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("apt-cache depends exited %d: %s", result.ExitCode, result.Output())
	}

	seen := map[string]bool{}
	var deps []string
	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		dep, found := strings.CutPrefix(line, "Depends:")
		if !found {
			continue
		}
		dep = strings.TrimSpace(dep)
		if dep == "" || strings.HasPrefix(dep, "<") || dep == name || seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	return deps, nil
}

func (a *AptManager) IsExactVersionInstalled(ctx context.Context, name, version string) (bool, error) {
	result, err := a.runner.Run(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	if err != nil {
		return false, fmt.Errorf("dpkg-query failed: %w", err)
	}
	if result.ExitCode != 0 {
		return false, nil
	}
	return strings.TrimSpace(result.Stdout) == version, nil
}

func (a *AptManager) InstallWithDependencies(ctx context.Context, pkgs []PackageSpec, simulate bool) (InstallOutcome, error) {
	if len(pkgs) == 0 {
		return OutcomeFailed, fmt.Errorf("empty install transaction")
	}

	args := []string{"-y", "--only-upgrade", "install"}
	if simulate {
		args = append(args, "-s")
	}
	for _, p := range pkgs {
		if p.Version == "" {
			args = append(args, p.Name)
		} else {
			args = append(args, p.Name+"="+p.Version)
		}
	}

	result, err := a.runner.RunTimeout(ctx, 20*time.Minute, "apt-get", args...)
	if err != nil {
		return OutcomeFailed, err
	}
	if result.ExitCode != 0 {
		return OutcomeFailed, nil
	}
	if simulate {
		return OutcomeInstalled, nil
	}

	lead := pkgs[0]
	installed, err := a.IsExactVersionInstalled(ctx, lead.Name, lead.Version)
	if err != nil {
		return OutcomeFailed, err
	}
	if installed {
		return OutcomeInstalled, nil
	}
	if strings.Contains(result.Output(), "is not installed, so not upgraded") {
		return OutcomePending, nil
	}
	return OutcomeFailed, nil
}

func (a *AptManager) IsRebootPending(ctx context.Context) (bool, error) {
	if _, err := os.Stat(rebootRequiredFile); err == nil {
		return true, nil
	}
	return false, nil
}
