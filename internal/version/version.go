// Package version holds build-time version metadata, set via -ldflags.
package version

// Version and Commit are overridden at build time, e.g.:
//
//	go build -ldflags "-X github.com/jclee-lab/blacklist-sub003/internal/version.Version=1.4.0 \
//	  -X github.com/jclee-lab/blacklist-sub003/internal/version.Commit=$(git rev-parse HEAD)"
var (
	Version = "dev"
	Commit  = "unknown"
)
