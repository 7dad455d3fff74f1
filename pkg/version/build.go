package version

import (
	"fmt"
	"io"
)

// NOTE: these variables are injected at build time

var (
	version, gitSHA, buildTime string
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"sha"`
	BuildTime string `json:"time"`
}

func Get() Info {
	v := version
	if v == "" {
		v = "dev"
	}
	return Info{Version: v, GitSHA: gitSHA, BuildTime: buildTime}
}

// UserAgent identifies the runner in requests to tenants and GitHub.
func UserAgent() string {
	return "testcontent/" + Get().Version
}

func Fprint(w io.Writer) {
	info := Get()
	fmt.Fprintf(w, "version=%s\nsha=%s\ntime=%s\n", info.Version, info.GitSHA, info.BuildTime)
}
