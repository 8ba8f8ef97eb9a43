// Package version derives the build identity reported in logs and /healthz.
package version

import "runtime/debug"

// commitOverride is injected with -ldflags for container builds that strip
// the .git directory.
var commitOverride string

// Full returns "convogrid/<short-commit>", or "convogrid/dev" when no VCS
// metadata is available (go test, non-git builds).
func Full() string {
	return "convogrid/" + commit()
}

func commit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
