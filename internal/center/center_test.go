package center

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
	"github.com/InnuIO/fectl/internal/transport"
)

// Re-exec pattern for a fake worker binary: the test binary re-invokes
// itself with GO_WANT_HELPER_PROCESS=1 so execworker.Launch has a real
// child process to fork/exec, speaking the control protocol over fds
// 3/4 instead of needing a separate worker binary on PATH.
const helperEnv = "GO_WANT_HELPER_PROCESS"

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)

	ctlRead := os.NewFile(uintptr(3), "ctl-read")
	ctlWrite := os.NewFile(uintptr(4), "ctl-write")

	send := func(msg transport.WorkerMessage) {
		frame, err := transport.EncodeMessage(msg)
		if err != nil {
			os.Exit(1)
		}
		if _, err := ctlWrite.Write(frame); err != nil {
			os.Exit(1)
		}
	}

	send(transport.MsgForked())

	var dec transport.CommandDecoder
	buf := make([]byte, 256)
	for {
		n, err := ctlRead.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				cmd, ok, derr := dec.Next()
				if derr != nil {
					os.Exit(1)
				}
				if !ok {
					break
				}
				switch cmd.Tag() {
				case transport.CmdTagPrepare:
					send(transport.MsgLoaded())
				case transport.CmdTagHB:
					send(transport.MsgHB())
				case transport.CmdTagStop:
					os.Exit(0)
				}
			}
		}
		if err != nil {
			// Parent closed its write end (SIGKILL/EOF): exit so we
			// never linger as an orphan the reaper has to chase down.
			os.Exit(0)
		}
	}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func helperServiceConfig(name string, num int) config.ServiceConfig {
	return config.ServiceConfig{
		Name:                name,
		Num:                 num,
		Exec:                os.Args[0],
		Args:                []string{"-test.run=TestHelperProcess"},
		Env:                 map[string]string{helperEnv: "1"},
		HeartbeatTimeoutSec: 30,
		StartupTimeoutSec:   5,
		ShutdownTimeoutSec:  5,
	}
}

func waitForState(t *testing.T, h *Handle, name string, want event.ServiceState, timeout time.Duration) event.ServiceStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, cmdErr := h.ServiceStatus(name)
		if cmdErr == nil && status.State == want {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service %q did not reach state %s within %s", name, want, timeout)
	return event.ServiceStatus{}
}

// noChildrenLeft reports whether a non-blocking waitpid(-1, WNOHANG)
// finds nothing left to reap: after stop() resolves, the supervisor
// must have left no zombies behind.
func noChildrenLeft(t *testing.T) bool {
	t.Helper()
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
	if err != nil {
		return errors.Is(err, unix.ECHILD)
	}
	return pid <= 0
}

// TestCenterGracefulStopLeavesNoZombies boots a Center with a real
// (helper-process) worker, lets it reach Running, asks the Center to
// stop gracefully, and confirms that once Stop()'s channel closes
// there is nothing left for waitpid to reap.
func TestCenterGracefulStopLeavesNoZombies(t *testing.T) {
	cfg := &config.Config{Services: []config.ServiceConfig{helperServiceConfig("web", 2)}}
	_, h := New(cfg, testLogger())

	status := waitForState(t, h, "web", event.ServiceRunning, 5*time.Second)
	require.Equal(t, 2, status.Running)
	require.Len(t, status.PIDs, 2)

	select {
	case <-h.Stop(true):
	case <-time.After(10 * time.Second):
		t.Fatal("center did not finish stopping in time")
	}

	// Give the SIGCHLD reaper a moment to run after the last worker's
	// exit status becomes available.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if noChildrenLeft(t) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("children remained after graceful stop resolved")
}

// TestCenterStopResolvesExactlyOnce checks that every waiter passed to
// a concurrent Stop() call observes the close exactly once.
func TestCenterStopResolvesExactlyOnce(t *testing.T) {
	cfg := &config.Config{Services: []config.ServiceConfig{helperServiceConfig("web", 1)}}
	_, h := New(cfg, testLogger())

	waitForState(t, h, "web", event.ServiceRunning, 5*time.Second)

	w1 := h.Stop(true)
	w2 := h.Stop(true)

	for _, w := range []<-chan struct{}{w1, w2} {
		select {
		case <-w:
		case <-time.After(10 * time.Second):
			t.Fatal("a stop waiter never observed completion")
		}
	}
}
