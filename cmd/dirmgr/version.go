package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information - these can be set at build time using ldflags.
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

func newVersionCommand(stdout io.Writer) *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(stdout, version)
				return
			}
			fmt.Fprintf(stdout, "dirmgr version %s\n", version)
			fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
			fmt.Fprintf(stdout, "  Built:      %s\n", buildDate)
			fmt.Fprintf(stdout, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(stdout, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Show only version number")
	return cmd
}
