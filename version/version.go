package version

// will be replaced with the release version when using goreleaser
var version = "development"

// UpdaterVersion returns the updater version
func UpdaterVersion() string {
	return version
}
