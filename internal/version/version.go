package version

// build-time variables, set with -ldflags "-X github.com/metraction/vidi/internal/version.Version=..."

var (
	BuildTimestamp = "n/a"
	Version        = "0.0.0"
	GoVersion      = "go n/a"
)
