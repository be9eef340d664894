package cli

import (
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, VersionInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
				GoVersion: goruntime.Version(),
				Platform:  goruntime.GOOS + "/" + goruntime.GOARCH,
			})
		},
	}
}
