package version

var (
	// Version is the current analysis tool version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for run manifests and --version output.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
