package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/parley/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop the gateway started with "parley serve".
Sends SIGTERM and waits for it to shut down, then SIGKILL after the timeout.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the gateway to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.ReadPID(cfg.DataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("gateway is not running")
		}
		return err
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(daemon.PIDFile(cfg.DataDir))
		fmt.Fprintln(out, "Gateway was not running; removed stale PID file")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(out, "Gateway stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	os.Remove(daemon.PIDFile(cfg.DataDir))
	fmt.Fprintln(out, "Gateway killed")
	return nil
}
