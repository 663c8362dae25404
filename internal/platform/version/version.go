// Package version carries the build stamp of the config server binaries.
//
// The values are set by the linker:
//
//	-ldflags "-X github.com/pscheid92/configserver/internal/platform/version.Version=v1.2.3"
//
// Replicas report Version in their heartbeat, /version serves Get and the
// log-server client sends UserAgent.
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// UserAgent identifies this build on outgoing requests, e.g.
// "configserver/v1.2.3 (abc1234)".
func UserAgent() string {
	return "configserver/" + Version + " (" + Commit + ")"
}
