package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultPIDFile = "/var/run/dirmgr.pid"

func newReloadCommand(stdout io.Writer) *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "reload acl",
		Short: "Reload server configuration without restart",
		Long: `
Sends SIGHUP to a running server, which reloads its ACL file. The server
must have been started with --pid-file. DIRMGR_PID_FILE overrides the
PID file path.
`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"acl"},
		RunE: func(c *cobra.Command, args []string) error {
			if args[0] != "acl" {
				return fmt.Errorf("unknown component: %s (supported: acl)", args[0])
			}
			if v := os.Getenv("DIRMGR_PID_FILE"); v != "" {
				pidFile = v
			}
			pid, err := readPIDFile(pidFile)
			if err != nil {
				return err
			}
			if err := signalProcess(pid, syscall.SIGHUP); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Sent SIGHUP to dirmgr process (PID %d)\n", pid)
			fmt.Fprintln(stdout, "Check server logs for reload status")
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", defaultPIDFile, "Path to PID file")
	return cmd
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("PID file not found: %s (is the server running?)", path)
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s: %q", path, s)
	}
	return pid, nil
}

func signalProcess(pid int, sig os.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %v to process %d: %w", sig, pid, err)
	}
	return nil
}
