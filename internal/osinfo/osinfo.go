// Package osinfo identifies the host OS for stable patch record keys.
package osinfo

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const osReleasePath = "/etc/os-release"

// NameAndVersion returns a compact "name_version" identifier from
// /etc/os-release, falling back to uname when the file is unusable. The
// value participates in patch record keys, so it must be stable for the
// lifetime of a run.
func NameAndVersion() string {
	if id := fromOSRelease(osReleasePath); id != "" {
		return id
	}
	return fromUname()
}

func fromOSRelease(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var name, version string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, "ID="); ok {
			name = strings.Trim(value, `"`)
		} else if value, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			version = strings.Trim(value, `"`)
		}
	}

	if name == "" {
		return ""
	}
	if version == "" {
		return name
	}
	return name + "_" + version
}

func fromUname() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "linux_unknown"
	}
	sys := strings.ToLower(unix.ByteSliceToString(uts.Sysname[:]))
	release := unix.ByteSliceToString(uts.Release[:])
	if sys == "" {
		return "linux_unknown"
	}
	return sys + "_" + release
}
