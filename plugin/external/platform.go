package external

import "runtime"

// PlatformKey names a platform the way manifests key platform_binaries.
func PlatformKey(goos, goarch string) string {
	switch {
	case goos == "darwin" && goarch == "arm64":
		return "macos-arm64"
	case goos == "darwin" && goarch == "amd64":
		return "macos-x64"
	case goos == "linux" && goarch == "amd64":
		return "linux-x64"
	case goos == "linux" && goarch == "arm64":
		return "linux-arm64"
	case goos == "windows" && goarch == "amd64":
		return "windows-x64"
	default:
		return goos + "-" + goarch
	}
}

// CurrentPlatformKey is PlatformKey for the running binary.
func CurrentPlatformKey() string {
	return PlatformKey(runtime.GOOS, runtime.GOARCH)
}
