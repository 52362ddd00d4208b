package version

// Injected with -ldflags at build time.
var (
	Version     = "dev"
	BuildCommit = "unknown"
	BuildDate   = "unknown"
)
