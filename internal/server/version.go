package server

import (
	"fmt"
	"os"
	"runtime"

	"github.com/babelcloud/livedetect/internal/version"
)

// BuildInfo contains build-time information
var BuildInfo = struct {
	Version   string
	BuildTime string
	GitCommit string
	GoVersion string
}{
	Version:   version.Version,
	BuildTime: version.BuildTime,
	GitCommit: version.CommitID,
	GoVersion: runtime.Version(),
}

// GetBuildID identifies the running binary. Two servers with the same build
// ID run the same executable.
func GetBuildID() string {
	execPath, err := os.Executable()
	if err != nil {
		return BuildInfo.Version + "-" + BuildInfo.GitCommit + "-unknown"
	}

	info, err := os.Stat(execPath)
	if err != nil {
		return BuildInfo.Version + "-" + BuildInfo.GitCommit + "-unknown"
	}

	modTime := info.ModTime().Format("2006-01-02T15:04:05")
	return fmt.Sprintf("%s-%s-%d", modTime, BuildInfo.GitCommit, info.Size())
}
