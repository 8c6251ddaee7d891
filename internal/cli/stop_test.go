package cli

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/laneq/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "stop" {
				found = true
				break
			}
		}
		assert.True(t, found, "stop command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Stop the laneq daemon")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		path := writeConfig(t, "data_dir: $DATA_DIR\n")

		_, err := execute(t, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestStopDaemonRemovesStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "laneq.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("-5"), 0644))

	err := stopDaemon(GetRootCmd(), pidFile, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
	_, statErr := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStopDaemonTerminatesProcess(t *testing.T) {
	proc := exec.Command("sleep", "30")
	require.NoError(t, proc.Start())
	// reap the child so it does not linger as a zombie
	exited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(exited)
	}()

	pidFile := daemon.PIDFilePath(t.TempDir())
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(proc.Process.Pid)), 0644))

	require.NoError(t, stopDaemon(GetRootCmd(), pidFile, 5*time.Second))

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
