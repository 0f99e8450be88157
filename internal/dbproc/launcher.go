package dbproc

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamhouse/flowbench/internal/config"
)

// Instance describes a started database run: where its log and monitor log
// land, and the pid the monitor is attached to.
type Instance struct {
	RunName        string
	PID            string
	DBLogPath      string
	MonitorLogPath string
}

// Launcher starts the database in standalone mode together with a pidstat
// monitor writing 1-second CPU/RSS samples.
type Launcher struct {
	target  config.TargetConfig
	monitor config.MonitorConfig
	sup     *Supervisor
	logger  zerolog.Logger
}

// NewLauncher creates a Launcher tracking children in sup.
func NewLauncher(target config.TargetConfig, monitor config.MonitorConfig, sup *Supervisor, logger zerolog.Logger) *Launcher {
	return &Launcher{
		target:  target,
		monitor: monitor,
		sup:     sup,
		logger:  logger.With().Str("component", "launcher").Logger(),
	}
}

// Start wipes the data directory, starts the database with flow debug logging
// enabled, resolves its pid, and attaches the monitor. The database's
// stdout+stderr go to db_<run>.log and the monitor's to
// cpu_memory_usage_<run>.log.
func (l *Launcher) Start(runName string) (*Instance, error) {
	runName = SanitizeRunName(runName)
	inst := &Instance{
		RunName:        runName,
		DBLogPath:      DBLogPath(runName),
		MonitorLogPath: MonitorLogPath(runName),
	}

	if l.target.ADB {
		l.runSetup("adb", "forward", "--remove-all")
		l.runSetup("adb", "shell", "rm", "-rf", l.target.ADBDataDir)
		l.runSetup("adb", "forward", forwardSpec(l.target.HTTPPort), forwardSpec(l.target.HTTPPort))
		l.runSetup("adb", "forward", forwardSpec(l.target.PGPort), forwardSpec(l.target.PGPort))
		l.runSetup("adb", "root")
	} else {
		l.runSetup("adb", "forward", "--remove-all")
		if err := os.RemoveAll(l.target.DataDir); err != nil {
			return nil, fmt.Errorf("wiping data dir %s: %w", l.target.DataDir, err)
		}
	}

	dbLog, err := os.Create(inst.DBLogPath)
	if err != nil {
		return nil, fmt.Errorf("creating database log: %w", err)
	}

	args := StartArgs(l.target)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "RUST_LOG="+l.target.LogEnv)
	cmd.Stdout = dbLog
	cmd.Stderr = dbLog
	if err := cmd.Start(); err != nil {
		dbLog.Close()
		return nil, fmt.Errorf("starting database: %w", err)
	}
	l.sup.Track("database", cmd)
	l.logger.Info().
		Str("run", runName).
		Bool("adb", l.target.ADB).
		Str("log", inst.DBLogPath).
		Msg("Database started")

	if l.target.ADB {
		inst.PID, err = l.remotePID()
		if err != nil {
			return nil, err
		}
	} else {
		inst.PID = strconv.Itoa(cmd.Process.Pid)
	}

	if l.monitor.Enabled {
		if err := l.startMonitor(inst); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// WaitReady polls the target's health endpoint until it answers or the
// timeout elapses.
func (l *Launcher) WaitReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				l.logger.Info().Msg("Database ready")
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (l *Launcher) startMonitor(inst *Instance) error {
	monLog, err := os.Create(inst.MonitorLogPath)
	if err != nil {
		return fmt.Errorf("creating monitor log: %w", err)
	}

	args := MonitorArgs(inst.PID, l.monitor.IntervalSeconds, l.target.ADB)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = monLog
	cmd.Stderr = monLog
	if err := cmd.Start(); err != nil {
		monLog.Close()
		return fmt.Errorf("starting pidstat monitor: %w", err)
	}
	l.sup.Track("monitor", cmd)
	l.logger.Info().Str("pid", inst.PID).Str("log", inst.MonitorLogPath).Msg("Resource monitor attached")
	return nil
}

func (l *Launcher) remotePID() (string, error) {
	out, err := exec.Command("adb", "shell", "pidof", path.Base(l.target.ADBBinary)).Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPID, err)
	}
	pid := strings.TrimSpace(string(out))
	if pid == "" {
		return "", ErrNoPID
	}
	return pid, nil
}

// runSetup runs a best-effort setup command; failures are logged, not fatal,
// because adb state commands fail when no device is attached yet.
func (l *Launcher) runSetup(name string, args ...string) {
	if err := exec.Command(name, args...).Run(); err != nil {
		l.logger.Warn().Err(err).Str("cmd", name+" "+strings.Join(args, " ")).Msg("Setup command failed")
	}
}

// StartArgs builds the database start command for the configured mode.
func StartArgs(target config.TargetConfig) []string {
	if target.ADB {
		return []string{"adb", "shell", target.ADBBinary, "standalone", "start",
			"-c", path.Join(path.Dir(target.ADBBinary), "config.toml")}
	}
	return []string{target.BinaryPath, "standalone", "start"}
}

// MonitorArgs builds the pidstat command sampling CPU and memory for pid.
func MonitorArgs(pid string, intervalSeconds int, adb bool) []string {
	args := []string{"pidstat", "-r", "-u", "-h", "-p", pid, strconv.Itoa(intervalSeconds)}
	if adb {
		return append([]string{"adb", "shell"}, args...)
	}
	return args
}

func forwardSpec(port int) string {
	return fmt.Sprintf("tcp:%d", port)
}

// SanitizeRunName makes a run name safe for use in file names.
func SanitizeRunName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// DBLogPath returns the database log path for a run.
func DBLogPath(runName string) string {
	return fmt.Sprintf("db_%s.log", runName)
}

// MonitorLogPath returns the monitor log path for a run.
func MonitorLogPath(runName string) string {
	return fmt.Sprintf("cpu_memory_usage_%s.log", runName)
}
