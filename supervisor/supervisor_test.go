package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitDone(t *testing.T, s *Supervisor) Status {
	t.Helper()
	select {
	case <-s.Done():
		return s.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("workload not reaped in time")
	}
	return Status{}
}

func TestStatusAccounting(t *testing.T) {
	cases := []struct {
		status Status
		code   int
		str    string
	}{
		{Status{}, 0, "exit 0"},
		{Status{Code: 7}, 7, "exit 7"},
		{Status{Signal: 15, Signaled: true}, 143, "signal 15"},
		{Status{Signal: 9, Signaled: true}, 137, "signal 9"},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, c.status.ExitCode())
		assert.Equal(t, c.str, c.status.String())
	}
}

func TestStartEmptyArgv(t *testing.T) {
	_, err := Start(nil)
	assert.Error(t, err)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start([]string{"/definitely/not/a/real/binary"})
	assert.Error(t, err)
}

func TestExitCodePassthrough(t *testing.T) {
	s, err := Start([]string{"sh", "-c", "exit 7"})
	require.NoError(t, err)

	status := awaitDone(t, s)
	assert.Equal(t, Status{Code: 7}, status)
	assert.Equal(t, 7, status.ExitCode())
}

func TestCleanExit(t *testing.T) {
	s, err := Start([]string{"true"})
	require.NoError(t, err)

	status := awaitDone(t, s)
	assert.False(t, status.Signaled)
	assert.Equal(t, 0, status.ExitCode())
}

func TestSignaledExitIsRecorded(t *testing.T) {
	s, err := Start([]string{"sh", "-c", "kill -TERM $$"})
	require.NoError(t, err)

	status := awaitDone(t, s)
	assert.True(t, status.Signaled)
	assert.Equal(t, int(syscall.SIGTERM), status.Signal)
	assert.Equal(t, 143, status.ExitCode())
}

func TestWaitIsRepeatable(t *testing.T) {
	s, err := Start([]string{"sh", "-c", "exit 3"})
	require.NoError(t, err)

	first := awaitDone(t, s)
	second := s.Wait()
	assert.Equal(t, first, second)
}

func TestTerminateGraceful(t *testing.T) {
	s, err := Start([]string{"sleep", "30"})
	require.NoError(t, err)
	s.TermPolls = 20
	s.PollInterval = 50 * time.Millisecond

	begun := time.Now()
	status := s.Terminate()

	assert.True(t, status.Signaled)
	assert.Equal(t, int(syscall.SIGTERM), status.Signal)
	assert.Less(t, time.Since(begun), 3*time.Second, "graceful exit must not wait out the whole window")
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// The workload ignores SIGTERM; only the escalation ends it.
	s, err := Start([]string{"sh", "-c", `trap "" TERM; while :; do sleep 0.1; done`})
	require.NoError(t, err)
	s.TermPolls = 3
	s.PollInterval = 50 * time.Millisecond

	status := s.Terminate()

	assert.True(t, status.Signaled)
	assert.Equal(t, int(syscall.SIGKILL), status.Signal)
	assert.Equal(t, 137, status.ExitCode())
}

func TestTerminateAfterExit(t *testing.T) {
	s, err := Start([]string{"true"})
	require.NoError(t, err)
	awaitDone(t, s)

	status := s.Terminate()
	assert.False(t, status.Signaled)
	assert.Equal(t, 0, status.ExitCode())
}

func TestKillIsIdempotent(t *testing.T) {
	s, err := Start([]string{"sleep", "30"})
	require.NoError(t, err)

	s.Kill()
	status := s.Wait()
	assert.True(t, status.Signaled)
	assert.Equal(t, int(syscall.SIGKILL), status.Signal)

	// Already reaped; must return without signalling anything.
	s.Kill()
}

func TestKillReachesDescendants(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "child.pid")
	s, err := Start([]string{"sh", "-c", "sleep 30 & echo $! > " + pidfile + "; wait"})
	require.NoError(t, err)

	childPid := awaitPidfile(t, pidfile)
	s.Kill()

	// The grandchild shares the group, so the group-wide SIGKILL took
	// it down with the shell. It may linger as a zombie until init
	// reaps it; zombie counts as dead here.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if !processRunning(childPid) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("descendant %d survived the group kill", childPid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func processRunning(pid int) bool {
	if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
		return false
	}
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name.
	i := strings.LastIndexByte(string(raw), ')')
	if i < 0 || i+2 >= len(raw) {
		return false
	}
	return raw[i+2] != 'Z'
}

func awaitPidfile(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, err := os.ReadFile(path)
		if err == nil && len(raw) > 0 {
			pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
			if perr == nil {
				return pid
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("workload never wrote its child pid")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
