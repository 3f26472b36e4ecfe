package version

// Set via -ldflags "-X github.com/throw-if-null/trainloop/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
)
