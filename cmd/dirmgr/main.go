// Command dirmgr runs and administers the directory manager.
package main

import (
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and returns an exit code.
// This is separated from main() to facilitate testing.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	rc := NewRootCommand(stdin, stdout, stderr)
	rc.SetArgs(args)
	if err := rc.Execute(); err != nil {
		return 1
	}
	return 0
}
