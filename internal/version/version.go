// Package version reports build information for the comicvault daemon
package version

import (
	"fmt"
	"runtime"
)

// Name is the product name reported by the API and the CLI
const Name = "comicvault"

// Set through -ldflags at build time
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info describes the running build
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the build information
func Get() Info {
	return Info{
		Name:      Name,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns the short form, e.g. "comicvault 0.1.0 (commit: abc123)"
func (i Info) String() string {
	if i.GitCommit != "unknown" {
		return fmt.Sprintf("%s %s (commit: %s)", i.Name, i.Version, i.GitCommit)
	}
	return fmt.Sprintf("%s %s", i.Name, i.Version)
}
