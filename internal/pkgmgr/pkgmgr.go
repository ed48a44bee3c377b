package pkgmgr

import (
	"context"
	"strings"
)

// Classification buckets understood by the engine. Platforms without
// classification metadata report everything as Unclassified.
type Classification string

const (
	ClassificationUnclassified Classification = "Unclassified"
	ClassificationCritical     Classification = "Critical"
	ClassificationSecurity     Classification = "Security"
	ClassificationOther        Classification = "Other"
)

// Update describes one available package update.
type Update struct {
	Name            string
	Version         string
	Classifications []Classification
}

// PackageSpec names one package in an install transaction. An empty Version
// means install whatever the repository offers.
type PackageSpec struct {
	Name    string
	Version string
}

// InstallOutcome classifies the result of one install transaction for the
// lead package.
type InstallOutcome int

const (
	OutcomeInstalled InstallOutcome = iota
	OutcomeFailed
	// OutcomePending means the package has no prior installed version, so the
	// package manager refused an update; another transaction's dependency
	// closure may still bring it in.
	OutcomePending
	OutcomeObsoleted
	OutcomeReplaced
)

func (o InstallOutcome) String() string {
	switch o {
	case OutcomeInstalled:
		return "Installed"
	case OutcomeFailed:
		return "Failed"
	case OutcomePending:
		return "Pending"
	case OutcomeObsoleted:
		return "Obsoleted"
	case OutcomeReplaced:
		return "Replaced"
	}
	return "Unknown"
}

// PackageManager is the narrow contract the engine consumes. One
// implementation exists per distro family; everything above this interface
// is distro-agnostic.
type PackageManager interface {
	Name() string
	SupportsClassification() bool

	RefreshRepository(ctx context.Context) error
	ListUpdates(ctx context.Context, filter []Classification) ([]Update, error)
	DependenciesOf(ctx context.Context, name string) ([]string, error)
	IsExactVersionInstalled(ctx context.Context, name, version string) (bool, error)
	InstallWithDependencies(ctx context.Context, pkgs []PackageSpec, simulate bool) (InstallOutcome, error)
	IsRebootPending(ctx context.Context) (bool, error)

	// SelfUpdated reports whether the package manager updated itself since
	// the last call, which invalidates prior update enumeration. Reading
	// clears the flag.
	SelfUpdated() bool
}

// knownArches are architecture qualifiers a package name may carry as a
// dot-separated suffix (kernel.x86_64, selinux-policy-targeted.noarch).
var knownArches = map[string]bool{
	"x86_64":  true,
	"i686":    true,
	"i386":    true,
	"aarch64": true,
	"noarch":  true,
	"armv7hl": true,
	"ppc64le": true,
	"s390x":   true,
}

// SplitArch splits an architecture-qualified package name into its base name
// and arch. Names without a recognized arch suffix return an empty arch.
func SplitArch(name string) (base, arch string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	if suffix := name[idx+1:]; knownArches[suffix] {
		return name[:idx], suffix
	}
	return name, ""
}

// SameBase reports whether two package names are architecture siblings of
// the same logical package.
func SameBase(a, b string) bool {
	baseA, _ := SplitArch(a)
	baseB, _ := SplitArch(b)
	return baseA == baseB
}
