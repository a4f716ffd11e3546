package apiframework

import "runtime/debug"

// Version is overridden at build time with -ldflags "-X ...apiframework.Version=v1.2.3".
var Version = ""

type AboutServer struct {
	Version        string `json:"version"`
	NodeInstanceID string `json:"nodeInstanceID"`
	Tenancy        string `json:"tenancy,omitempty"`
}

// GetVersion prefers the linker-provided version, then the module version
// recorded in the build info.
func GetVersion() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
