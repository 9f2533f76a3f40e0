package version

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
)

const Program = "aiproxy"

type Info struct {
	ModuleVersion string
	GoVersion     string
	CommitHash    string
	CommitTime    string
	DirtyCommit   bool
	BinaryHash    string
}

func shorten(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (v Info) VersionString() string {
	if v.ModuleVersion != "" && v.ModuleVersion != "(devel)" {
		return v.ModuleVersion
	}

	var rv string
	if v.CommitHash != "" {
		if v.DirtyCommit {
			rv = fmt.Sprintf("%s-dirty", shorten(v.CommitHash, 16))
		} else {
			rv = shorten(v.CommitHash, 16)
		}
	}

	if (rv == "" || v.DirtyCommit) && v.BinaryHash != "" {
		if rv != "" {
			rv += "@"
		}
		rv += fmt.Sprintf("sha256:%s", shorten(v.BinaryHash, 8))
	}

	if rv == "" {
		rv = "unknown"
	}

	return rv
}

func (v Info) Response() proxyapi.VersionResponse {
	return proxyapi.VersionResponse{
		Version:     v.VersionString(),
		CommitHash:  v.CommitHash,
		CommitTime:  v.CommitTime,
		DirtyCommit: v.DirtyCommit,
		GoVersion:   v.GoVersion,
	}
}

var (
	globalVersion    *Info
	globalVersionErr error
	globalOnce       sync.Once

	ForceHash bool = false
)

func GetInfo() (*Info, error) {
	onceBody := func() {
		globalVersion, globalVersionErr = computeVersionInfo(ForceHash)
	}
	globalOnce.Do(onceBody)
	return globalVersion, globalVersionErr
}

// UserAgent identifies this build to upstream services.
func UserAgent() string {
	info, err := GetInfo()
	if err != nil {
		return Program
	}
	return fmt.Sprintf("%s/%s", Program, info.VersionString())
}

func computeVersionInfo(forceHash bool) (*Info, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("failed to read build info")
	}

	rv := Info{
		ModuleVersion: info.Main.Version,
		GoVersion:     info.GoVersion,
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			rv.CommitHash = setting.Value
		}
		if setting.Key == "vcs.modified" {
			rv.DirtyCommit = setting.Value == "true"
		}
		if setting.Key == "vcs.time" {
			rv.CommitTime = setting.Value
		}
	}

	if rv.CommitHash == "" || rv.DirtyCommit || forceHash {
		execPath, err := os.Executable()
		if err != nil {
			return nil, err
		}

		file, err := os.Open(execPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		h := sha256.New()

		if _, err := io.Copy(h, file); err != nil {
			return nil, err
		}

		rv.BinaryHash = fmt.Sprintf("%x", h.Sum(nil))
	}

	return &rv, nil
}
