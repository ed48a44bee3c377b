package patchfilter

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/patchops/engine/internal/pkgmgr"
)

// Filter resolves the host's classification selection and include/exclude
// masks into the final candidate set for installation.
type Filter struct {
	classifications []pkgmgr.Classification
	includes        []glob.Glob
	excludes        []glob.Glob
	selectAll       bool
}

// New validates and compiles the selection. An empty classification list or
// a list containing Unclassified selects everything; Unclassified combined
// with named classifications is a configuration error surfaced immediately.
func New(classifications, includeMasks, excludeMasks []string) (*Filter, error) {
	f := &Filter{}

	hasUnclassified := false
	for _, raw := range classifications {
		cls := pkgmgr.Classification(raw)
		switch cls {
		case pkgmgr.ClassificationUnclassified:
			hasUnclassified = true
		case pkgmgr.ClassificationCritical, pkgmgr.ClassificationSecurity, pkgmgr.ClassificationOther:
			f.classifications = append(f.classifications, cls)
		default:
			return nil, fmt.Errorf("unknown classification %q", raw)
		}
	}
	if hasUnclassified && len(f.classifications) > 0 {
		return nil, fmt.Errorf("classification Unclassified cannot be combined with %v", f.classifications)
	}
	f.selectAll = hasUnclassified || len(f.classifications) == 0

	var err error
	if f.includes, err = compileMasks(includeMasks); err != nil {
		return nil, fmt.Errorf("include masks: %w", err)
	}
	if f.excludes, err = compileMasks(excludeMasks); err != nil {
		return nil, fmt.Errorf("exclude masks: %w", err)
	}

	return f, nil
}

// Classifications returns the selected classifications, or nil when the
// selection admits everything.
func (f *Filter) Classifications() []pkgmgr.Classification {
	if f.selectAll {
		return nil
	}
	return f.classifications
}

// HasExclusions reports whether any exclusion mask is configured.
func (f *Filter) HasExclusions() bool {
	return len(f.excludes) > 0
}

// IsExcluded reports whether the package name matches any exclusion mask.
// Masks match both the arch-qualified and the base name.
func (f *Filter) IsExcluded(name string) bool {
	return matchAny(f.excludes, name)
}

// isIncludedByMask reports whether the name matches an explicit include mask.
func (f *Filter) isIncludedByMask(name string) bool {
	return matchAny(f.includes, name)
}

// Partition splits available updates into the candidate set and the
// not-included remainder. Exclusions are not applied here; the installer
// propagates them transitively through dependencies.
func (f *Filter) Partition(updates []pkgmgr.Update) (candidates, notIncluded []pkgmgr.Update) {
	for _, u := range updates {
		if f.isCandidate(u) {
			candidates = append(candidates, u)
		} else {
			notIncluded = append(notIncluded, u)
		}
	}
	return candidates, notIncluded
}

func (f *Filter) isCandidate(u pkgmgr.Update) bool {
	if f.isIncludedByMask(u.Name) {
		return true
	}
	if f.selectAll {
		return len(f.includes) == 0
	}
	for _, want := range f.classifications {
		for _, have := range u.Classifications {
			if have == want {
				return true
			}
		}
	}
	return false
}

func compileMasks(masks []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(masks))
	for _, mask := range masks {
		if mask == "" {
			continue
		}
		g, err := glob.Compile(mask)
		if err != nil {
			return nil, fmt.Errorf("mask %q: %w", mask, err)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	base, _ := pkgmgr.SplitArch(name)
	for _, g := range globs {
		if g.Match(name) || g.Match(base) {
			return true
		}
	}
	return false
}
