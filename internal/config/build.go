package config

// Set at link time:
//
//	go build -ldflags "-X careintake/internal/config.version=1.4.0 \
//	    -X careintake/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X careintake/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
