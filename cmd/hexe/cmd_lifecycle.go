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

var errNotRunning = errors.New("hexe is not running")

func init() {
	rootCmd.AddCommand(
		daemonSignalCmd("stop", "Stop the running daemon", syscall.SIGTERM),
		daemonSignalCmd("restart", "Restart the running daemon in place", syscall.SIGHUP),
		statusCmd,
	)
}

// findDaemon returns the process recorded in the PID file under dataDir.
// The process is probed with signal 0; a stale file yields errNotRunning.
func findDaemon(dataDir string) (*os.Process, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("corrupt PID file %q", strings.TrimSpace(string(data)))
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil, fmt.Errorf("%w (stale PID %d)", errNotRunning, pid)
	}
	return proc, nil
}

func daemonSignalCmd(use, short string, sig syscall.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := findDaemon(loadConfig().DataDir)
			if err != nil {
				return err
			}
			if err := proc.Signal(sig); err != nil {
				return fmt.Errorf("signal PID %d: %w", proc.Pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: sent %s to PID %d\n", use, sig, proc.Pid)
			return nil
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := findDaemon(loadConfig().DataDir)
		if errors.Is(err, errNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), err)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "hexe is running (PID %d)\n", proc.Pid)
		return nil
	},
}
