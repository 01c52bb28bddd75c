package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned when another live gateway owns the PID file
var ErrAlreadyRunning = errors.New("gateway is already running")

// PIDFile returns the PID file path inside dataDir
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, "parley.pid")
}

// ReadPID reads the PID recorded in dataDir
func ReadPID(dataDir string) (int, error) {
	data, err := os.ReadFile(PIDFile(dataDir))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", PIDFile(dataDir))
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a live process
func ProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes existence
	return process.Signal(syscall.Signal(0)) == nil
}

// LifecycleManager owns the PID file of a running gateway
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		pidFile: PIDFile(d.config.DataDir),
	}
}

// Start claims the PID file. A file left by a dead process is replaced.
func (l *LifecycleManager) Start() error {
	if pid, err := ReadPID(l.daemon.config.DataDir); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	zl := l.daemon.logger.GetZerolog()
	zl.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")
	return nil
}

// Stop removes the PID file
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}
