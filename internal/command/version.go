package command

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// VersionCommand prints the release and commit.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "tagcast %s (commit: %s)\n", Version, commit)
			return nil
		},
	}
}
