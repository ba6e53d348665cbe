// Package version carries build information injected with -ldflags "-X".
package version //nolint:revive // package name intentionally matches build-info convention

import "strings"

//nolint:gochecknoglobals //version information is set at build time
var (
	Repository string
	Version    string
	Commit     string
	Date       string
)

// String renders the build information, leaving out the parts that were not set.
func String() string {
	parts := []string{}
	for _, p := range []string{Version, Commit, Date} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "dev"
	}
	return strings.Join(parts, " ")
}
