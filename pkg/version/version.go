package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String is the user-facing version line.
func String() string {
	return "peer-wan-console " + Build
}
