package pkgmgr

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patchops/engine/internal/logging"
	"github.com/patchops/engine/internal/shellexec"
)

var yumLog = logging.L("pkgmgr.yum")

// yumCheckUpdateAvailable is the dnf/yum exit code meaning updates exist.
const yumCheckUpdateAvailable = 100

// YumManager drives dnf or yum through the shell. It is deliberately thin:
// the engine owns sequencing, retries and bookkeeping.
type YumManager struct {
	binary      string // "dnf" or "yum"
	runner      *shellexec.Runner
	selfUpdated bool
}

func NewYumManager(binary string, runner *shellexec.Runner) *YumManager {
	if runner == nil {
		runner = shellexec.New(shellexec.DefaultTimeout, 2, 5*time.Second)
	}
	return &YumManager{binary: binary, runner: runner}
}

func (y *YumManager) Name() string                 { return y.binary }
func (y *YumManager) SupportsClassification() bool { return true }
func (y *YumManager) SelfUpdated() bool {
	v := y.selfUpdated
	y.selfUpdated = false
	return v
}

func (y *YumManager) RefreshRepository(ctx context.Context) error {
	result, err := y.runner.RunWithRetry(ctx, y.binary, "-q", "clean", "expire-cache")
	if err != nil {
		return fmt.Errorf("%s repository refresh failed: %w: %s", y.binary, err, result.Output())
	}
	return nil
}

func (y *YumManager) ListUpdates(ctx context.Context, filter []Classification) ([]Update, error) {
	result, err := y.runner.Run(ctx, y.binary, "-q", "check-update")
	if err != nil {
		return nil, fmt.Errorf("%s check-update failed: %w", y.binary, err)
	}
	// dnf/yum exit 100 when updates are available, 0 when none.
	if result.ExitCode != 0 && result.ExitCode != yumCheckUpdateAvailable {
		return nil, fmt.Errorf("%s check-update exited %d: %s", y.binary, result.ExitCode, result.Output())
	}

	updates := parseCheckUpdate(result.Stdout)

	security, err := y.securityUpdateNames(ctx)
	if err != nil {
		// Classification metadata is best effort; fall back to Other.
		yumLog.Warn("updateinfo unavailable, classifying all updates as Other", "error", err)
		security = map[string]Classification{}
	}

	classified := make([]Update, 0, len(updates))
	for _, u := range updates {
		base, _ := SplitArch(u.Name)
		if cls, ok := security[base]; ok {
			u.Classifications = []Classification{cls}
		} else {
			u.Classifications = []Classification{ClassificationOther}
		}
		if matchesFilter(u, filter) {
			classified = append(classified, u)
		}
	}
	return classified, nil
}

func (y *YumManager) DependenciesOf(ctx context.Context, name string) ([]string, error) {
	result, err := y.runner.Run(ctx, y.binary, "-q", "deplist", name)
	if err != nil {
		return nil, fmt.Errorf("%s deplist failed: %w", y.binary, err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("%s deplist exited %d: %s", y.binary, result.ExitCode, result.Output())
	}
	return parseDeplist(result.Stdout, name), nil
}

func (y *YumManager) IsExactVersionInstalled(ctx context.Context, name, version string) (bool, error) {
	result, err := y.runner.Run(ctx, "rpm", "-q", InstallToken(name, version))
	if err != nil {
		return false, fmt.Errorf("rpm query failed: %w", err)
	}
	return result.ExitCode == 0, nil
}

func (y *YumManager) InstallWithDependencies(ctx context.Context, pkgs []PackageSpec, simulate bool) (InstallOutcome, error) {
	if len(pkgs) == 0 {
		return OutcomeFailed, fmt.Errorf("empty install transaction")
	}

	args := y.InstallCommand(pkgs)
	if simulate {
		args = append(args, "--assumeno")
	}

	// Package transactions can be slow; give them the full default budget
	// per invocation rather than the short metadata timeout.
	result, err := y.runner.RunTimeout(ctx, 20*time.Minute, args[0], args[1:]...)
	if err != nil {
		return OutcomeFailed, err
	}

	out := strings.ToLower(result.Output())
	if strings.Contains(out, "importance of "+y.binary) || strings.Contains(out, y.binary+" has been updated") {
		y.selfUpdated = true
	}

	lead := pkgs[0]
	switch {
	case result.ExitCode != 0:
		return OutcomeFailed, nil
	case strings.Contains(out, "obsoleting") || strings.Contains(out, "obsoleted"):
		return OutcomeObsoleted, nil
	case strings.Contains(out, "replaced by"):
		return OutcomeReplaced, nil
	}

	if simulate {
		return OutcomeInstalled, nil
	}

	installed, err := y.IsExactVersionInstalled(ctx, lead.Name, lead.Version)
	if err != nil {
		return OutcomeFailed, err
	}
	if installed {
		return OutcomeInstalled, nil
	}
	if strings.Contains(out, "no match for argument") || strings.Contains(out, "nothing to do") {
		// No prior version of the lead package is installed; the update was a
		// no-op rather than a failure.
		return OutcomePending, nil
	}
	return OutcomeFailed, nil
}

func (y *YumManager) IsRebootPending(ctx context.Context) (bool, error) {
	result, err := y.runner.Run(ctx, "needs-restarting", "-r")
	if err != nil {
		// The tool is an optional yum-utils component; absence means no signal.
		yumLog.Debug("needs-restarting unavailable", "error", err)
		return false, nil
	}
	return result.ExitCode == 1, nil
}

// InstallCommand composes the full install argv: architecture-qualified
// names become name-version.arch tokens, in input order.
func (y *YumManager) InstallCommand(pkgs []PackageSpec) []string {
	args := []string{y.binary, "-y", "install"}
	for _, p := range pkgs {
		args = append(args, InstallToken(p.Name, p.Version))
	}
	return args
}

// InstallToken renders one package reference. Version-unpinned packages keep
// their bare name so the repository picks the offered version.
func InstallToken(name, version string) string {
	if version == "" {
		return name
	}
	base, arch := SplitArch(name)
	if arch == "" {
		return name + "-" + version
	}
	return base + "-" + version + "." + arch
}

func parseCheckUpdate(output string) []Update {
	var updates []Update
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Last metadata") ||
			strings.HasPrefix(line, "Obsoleting") || strings.HasPrefix(line, "Security:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Lines look like "kernel.x86_64  3.10.0-862.el7  updates".
		if _, arch := SplitArch(fields[0]); arch == "" {
			continue
		}
		updates = append(updates, Update{Name: fields[0], Version: fields[1]})
	}
	return updates
}

// parseDeplist extracts provider package names from deplist output,
// excluding the package itself.
func parseDeplist(output, name string) []string {
	base, _ := SplitArch(name)
	seen := map[string]bool{}
	var deps []string

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "provider:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "provider:"))
		if len(fields) == 0 {
			continue
		}
		depBase, _ := SplitArch(fields[0])
		if depBase == base || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		deps = append(deps, fields[0])
	}
	return deps
}

func (y *YumManager) securityUpdateNames(ctx context.Context) (map[string]Classification, error) {
	result, err := y.runner.Run(ctx, y.binary, "-q", "updateinfo", "list", "updates")
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("updateinfo exited %d", result.ExitCode)
	}

	names := map[string]Classification{}
	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	for scanner.Scan() {
		// Lines look like "RHSA-2018:1318 Important/Sec. kernel-3.10.0-862.el7.x86_64".
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		kind := strings.ToLower(fields[1])
		pkg := fields[len(fields)-1]
		base := stripEVR(pkg)
		switch {
		case strings.Contains(kind, "critical"):
			names[base] = ClassificationCritical
		case strings.Contains(kind, "sec"):
			names[base] = ClassificationSecurity
		}
	}
	return names, nil
}

// stripEVR reduces "kernel-3.10.0-862.el7.x86_64" to "kernel".
func stripEVR(token string) string {
	base, _ := SplitArch(token)
	// Trim trailing -version-release pairs: the version segment starts at the
	// first dash followed by a digit.
	for i := 0; i+1 < len(base); i++ {
		if base[i] == '-' && base[i+1] >= '0' && base[i+1] <= '9' {
			return base[:i]
		}
	}
	return base
}

func matchesFilter(u Update, filter []Classification) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		if want == ClassificationUnclassified {
			return true
		}
		for _, have := range u.Classifications {
			if have == want {
				return true
			}
		}
	}
	return false
}
