package eyes

import (
	"path/filepath"
	"strings"
)

// EnvironmentFromPath derives the host OS and browser from a directory path.
//
// It walks from path toward the root and stops at the first element that
// splits into more than three fields on sep; the OS and browser are the
// third- and second-to-last fields. For example, with sep "__",
// "/runs/login__Windows 10__chrome__42/shots" yields ("Windows 10", "chrome").
// An empty sep, or no such element, yields two empty strings.
func EnvironmentFromPath(path, sep string) (hostOS, hostApp string) {
	if sep == "" {
		return "", ""
	}

	prev := ""
	for path != prev {
		fields := strings.Split(filepath.Base(path), sep)
		if len(fields) > 3 {
			return fields[len(fields)-3], fields[len(fields)-2]
		}
		prev = path
		path = filepath.Dir(path)
	}
	return "", ""
}

// ForDirectory returns m completed for a session watching dir. An empty
// test name becomes dir, and an empty host OS or browser is derived from
// the path with EnvironmentFromPath.
func (m Metadata) ForDirectory(dir, sep string) Metadata {
	if m.TestName == "" {
		m.TestName = dir
	}
	if m.HostOS == "" || m.HostApp == "" {
		hostOS, hostApp := EnvironmentFromPath(dir, sep)
		if m.HostOS == "" {
			m.HostOS = hostOS
		}
		if m.HostApp == "" {
			m.HostApp = hostApp
		}
	}
	return m
}
