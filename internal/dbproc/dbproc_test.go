package dbproc

import (
	"os/exec"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/flowbench/internal/config"
)

func TestStartArgs_Local(t *testing.T) {
	target := config.TargetConfig{BinaryPath: "./greptime"}
	assert.Equal(t, []string{"./greptime", "standalone", "start"}, StartArgs(target))
}

func TestStartArgs_ADB(t *testing.T) {
	target := config.TargetConfig{
		ADB:       true,
		ADBBinary: "/data/greptime_binary/greptime",
	}
	assert.Equal(t, []string{
		"adb", "shell", "/data/greptime_binary/greptime", "standalone", "start",
		"-c", "/data/greptime_binary/config.toml",
	}, StartArgs(target))
}

func TestMonitorArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"pidstat", "-r", "-u", "-h", "-p", "4242", "1"},
		MonitorArgs("4242", 1, false))

	assert.Equal(t,
		[]string{"adb", "shell", "pidstat", "-r", "-u", "-h", "-p", "4242", "2"},
		MonitorArgs("4242", 2, true))
}

func TestRunNamePaths(t *testing.T) {
	assert.Equal(t, "flow_4_v", SanitizeRunName("flow 4 v"))
	assert.Equal(t, "db_baseline.log", DBLogPath("baseline"))
	assert.Equal(t, "cpu_memory_usage_flow.log", MonitorLogPath("flow"))
}

func TestSupervisor_StopAll(t *testing.T) {
	sup := NewSupervisor(zerolog.Nop())

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	sup.Track("sleeper", cmd)
	assert.Equal(t, 1, sup.Count())

	sup.StopAll(0)
	assert.Equal(t, 0, sup.Count())

	// The process is reaped; Wait on a finished process errors
	assert.Error(t, cmd.Wait())
}

func TestSupervisor_StopAllEmpty(t *testing.T) {
	sup := NewSupervisor(zerolog.Nop())
	sup.StopAll(0) // must not panic
	assert.Equal(t, 0, sup.Count())
}
