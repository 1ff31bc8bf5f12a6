package worker

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
	"github.com/InnuIO/fectl/internal/execworker"
	"github.com/InnuIO/fectl/internal/transport"
)

type failedCall struct {
	idx, pid int
	err      *event.ProcessError
}

type msgCall struct {
	idx, pid int
	tag      transport.Tag
}

type fakeSink struct {
	loaded chan [2]int
	failed chan failedCall
	msgs   chan msgCall
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		loaded: make(chan [2]int, 16),
		failed: make(chan failedCall, 16),
		msgs:   make(chan msgCall, 16),
	}
}

func (s *fakeSink) ProcessLoaded(idx, pid int) { s.loaded <- [2]int{idx, pid} }
func (s *fakeSink) ProcessFailed(idx, pid int, err *event.ProcessError) {
	s.failed <- failedCall{idx, pid, err}
}
func (s *fakeSink) ProcessMessage(idx, pid int, tag transport.Tag) {
	s.msgs <- msgCall{idx, pid, tag}
}

// newFakeHandle stands in for execworker.Launch in tests: a real,
// short-lived child supplies a legitimate pid for the actor's
// SIGTERM/SIGKILL calls to target, while the control pipes are plain
// os.Pipe()s the test drives directly, playing the worker's part
// without needing a real worker binary.
func newFakeHandle(t *testing.T) (h *execworker.Handle, childWritesMsgs *os.File, childReadsCmds *os.File) {
	t.Helper()
	upRead, upWrite, err := os.Pipe()
	require.NoError(t, err)
	downRead, downWrite, err := os.Pipe()
	require.NoError(t, err)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	return &execworker.Handle{PID: cmd.Process.Pid, Up: upRead, Down: downWrite}, upWrite, downRead
}

func readCommand(t *testing.T, r *os.File, timeout time.Duration) transport.WorkerCommand {
	t.Helper()
	ch := make(chan transport.WorkerCommand, 1)
	errCh := make(chan error, 1)
	go func() {
		var dec transport.CommandDecoder
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				cmd, ok, derr := dec.Next()
				if derr != nil {
					errCh <- derr
					return
				}
				if ok {
					ch <- cmd
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()
	select {
	case c := <-ch:
		return c
	case err := <-errCh:
		t.Fatalf("read command: %v", err)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for command")
	}
	return transport.WorkerCommand{}
}

func writeMessage(t *testing.T, w *os.File, msg transport.WorkerMessage) {
	t.Helper()
	frame, err := transport.EncodeMessage(msg)
	require.NoError(t, err)
	_, err = w.Write(frame)
	require.NoError(t, err)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestProcessStartupLoadedHeartbeatAndGracefulStop(t *testing.T) {
	wh, childWrite, childRead := newFakeHandle(t)
	sink := newFakeSink()
	cfg := config.ServiceConfig{HeartbeatTimeoutSec: 30, StartupTimeoutSec: 30, ShutdownTimeoutSec: 5}

	h := startWithHandle(0, cfg, sink, testLogger(), wh)

	writeMessage(t, childWrite, transport.MsgForked())
	assert.Equal(t, transport.CmdPrepare(), readCommand(t, childRead, time.Second))

	writeMessage(t, childWrite, transport.MsgLoaded())
	select {
	case got := <-sink.loaded:
		assert.Equal(t, [2]int{0, wh.PID}, got)
	case <-time.After(time.Second):
		t.Fatal("expected ProcessLoaded")
	}

	writeMessage(t, childWrite, transport.MsgHB())

	select {
	case f := <-sink.failed:
		t.Fatalf("unexpected ProcessFailed: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	h.StopProcess()
	assert.Equal(t, transport.CmdStop(), readCommand(t, childRead, time.Second))

	childWrite.Close()
	childRead.Close()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process actor did not terminate after stop")
	}
}

func TestProcessStartupTimeoutReportsUpward(t *testing.T) {
	wh, childWrite, childRead := newFakeHandle(t)
	defer childWrite.Close()
	defer childRead.Close()
	sink := newFakeSink()
	cfg := config.ServiceConfig{StartupTimeoutSec: 1, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 5}

	_ = startWithHandle(0, cfg, sink, testLogger(), wh)

	select {
	case f := <-sink.failed:
		assert.Equal(t, event.ErrStartupTimeout, f.err.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("expected StartupTimeout failure")
	}
}

func TestProcessCfgErrorReportsUpwardWithMessage(t *testing.T) {
	wh, childWrite, childRead := newFakeHandle(t)
	defer childWrite.Close()
	defer childRead.Close()
	sink := newFakeSink()
	cfg := config.ServiceConfig{StartupTimeoutSec: 30, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 5}

	startWithHandle(0, cfg, sink, testLogger(), wh)

	writeMessage(t, childWrite, transport.MsgCfgError("bad exec path"))

	select {
	case f := <-sink.failed:
		require.Equal(t, event.ErrConfigError, f.err.Kind)
		assert.Equal(t, "bad exec path", f.err.Message)
	case <-time.After(time.Second):
		t.Fatal("expected ConfigError failure")
	}
}

func TestProcessPipeEOFTerminatesActor(t *testing.T) {
	wh, childWrite, childRead := newFakeHandle(t)
	defer childRead.Close()
	sink := newFakeSink()
	cfg := config.ServiceConfig{StartupTimeoutSec: 30, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 5}

	h := startWithHandle(0, cfg, sink, testLogger(), wh)

	childWrite.Close()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected actor to terminate on pipe EOF")
	}
}

func TestProcessReloadAndRestartForwardUpward(t *testing.T) {
	wh, childWrite, childRead := newFakeHandle(t)
	defer childWrite.Close()
	defer childRead.Close()
	sink := newFakeSink()
	cfg := config.ServiceConfig{StartupTimeoutSec: 30, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 5}

	startWithHandle(0, cfg, sink, testLogger(), wh)

	writeMessage(t, childWrite, transport.MsgReload())
	select {
	case m := <-sink.msgs:
		assert.Equal(t, transport.TagReload, m.tag)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded reload message")
	}

	writeMessage(t, childWrite, transport.MsgRestart())
	select {
	case m := <-sink.msgs:
		assert.Equal(t, transport.TagRestart, m.tag)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded restart message")
	}
}
