package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/parley/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Show whether the local gateway is running and whether it answers health checks.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.ReadPID(cfg.DataDir)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(daemon.PIDFile(cfg.DataDir)); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	url := cfg.GatewayURL()
	fmt.Fprintf(out, "Endpoint: %s\n", url)
	if health, err := checkHealth(url); err != nil {
		fmt.Fprintf(out, "Health: unreachable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Health: %s (%d pending streams)\n", health.Status, health.Streams)
	}
	return nil
}

type healthReport struct {
	Status  string `json:"status"`
	Streams int    `json:"streams"`
}

// checkHealth queries /healthz on the gateway at base
func checkHealth(base string) (*healthReport, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(base + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var report healthReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &report, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
