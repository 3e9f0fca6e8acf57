package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		newSignalCmd("stop", "Stop the running server; in-flight tasks end with an error event", syscall.SIGTERM),
		newSignalCmd("restart", "Restart the running server to reload its configuration", syscall.SIGHUP),
	)
}

func newSignalCmd(use, short string, sig syscall.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(filepath.Join(loadConfig().DataDir, "pagewright.pid"))
			if err != nil {
				return err
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process %d: %w", pid, err)
			}
			// Signal 0 probes liveness without delivering anything.
			if proc.Signal(syscall.Signal(0)) != nil {
				return fmt.Errorf("no running server (process %d not found)", pid)
			}
			if err := proc.Signal(sig); err != nil {
				return fmt.Errorf("%s server: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: signalled server pid %d (%s)\n", use, pid, sig)
			return nil
		},
	}
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, errors.New("no running server (PID file not found)")
	} else if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad PID file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}
