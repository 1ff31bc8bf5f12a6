package service

import (
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
)

type spawnedCall struct {
	service    string
	idx, pid   int
}

type fakeCenterSink struct {
	spawned chan spawnedCall
	states  chan event.ServiceState
}

func newFakeCenterSink() *fakeCenterSink {
	return &fakeCenterSink{
		spawned: make(chan spawnedCall, 64),
		states:  make(chan event.ServiceState, 64),
	}
}

func (f *fakeCenterSink) WorkerSpawned(service string, idx, pid int) {
	f.spawned <- spawnedCall{service, idx, pid}
}
func (f *fakeCenterSink) ServiceStateChanged(service string, state event.ServiceState) {
	f.states <- state
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func waitForState(t *testing.T, sink *fakeCenterSink, want event.ServiceState, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-sink.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestManagerStartAllLaunchesConfiguredSlots(t *testing.T) {
	sink := newFakeCenterSink()
	cfg := config.ServiceConfig{
		Name: "echoer", Num: 2, Exec: "sleep", Args: []string{"30"},
		StartupTimeoutSec: 30, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 5,
	}
	m, h := New("echoer", cfg, sink, testLogger())
	defer func() { h.StopService(false) }()
	_ = m

	h.StartService()

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case sp := <-sink.spawned:
			assert.Equal(t, "echoer", sp.service)
			assert.Greater(t, sp.pid, 0)
			seen[sp.idx] = true
		case <-time.After(2 * time.Second):
			t.Fatal("expected two WorkerSpawned calls")
		}
	}
	assert.True(t, seen[0])
	assert.True(t, seen[1])

	st := h.Status()
	assert.Equal(t, "echoer", st.Name)
	assert.Equal(t, 2, st.Num)
	assert.Equal(t, 2, st.Running)
}

func TestManagerStopServiceKillsAllSlots(t *testing.T) {
	sink := newFakeCenterSink()
	cfg := config.ServiceConfig{
		Name: "echoer", Num: 1, Exec: "sleep", Args: []string{"30"},
		StartupTimeoutSec: 30, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 1,
	}
	_, h := New("echoer", cfg, sink, testLogger())

	h.StartService()
	select {
	case <-sink.spawned:
	case <-time.After(2 * time.Second):
		t.Fatal("expected worker to spawn")
	}

	h.StopService(false)
	waitForState(t, sink, event.ServiceStopping, 2*time.Second)

	pids := h.PIDs()
	require.Len(t, pids, 1)
}

func TestManagerStartupTimeoutTriggersRespawn(t *testing.T) {
	sink := newFakeCenterSink()
	cfg := config.ServiceConfig{
		Name: "never-loads", Num: 1, Exec: "sleep", Args: []string{"30"},
		StartupTimeoutSec: 1, HeartbeatTimeoutSec: 30, ShutdownTimeoutSec: 5,
		MinRestartIntervalMS: 50,
	}
	_, h := New("never-loads", cfg, sink, testLogger())
	defer h.StopService(false)

	h.StartService()

	// sleep(30) never speaks the control protocol, so the slot sits
	// in Starting until StartupTimeout fires, gets SIGKILLed, and
	// (since it was never told to stop) respawns into a second pid.
	first := requireSpawn(t, sink, 2*time.Second)
	// No CommandCenter runs here, so the test stands in for its reaper:
	// it waits for the killed pid and reports the exit to the Manager.
	go func() {
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(first.pid, &ws, 0, nil); err == nil {
			h.Exited(first.pid, event.ProcessErrorFromSignal(int(ws.Signal())))
		}
	}()
	second := requireSpawn(t, sink, 3*time.Second)
	assert.NotEqual(t, first.pid, second.pid)
}

func requireSpawn(t *testing.T, sink *fakeCenterSink, timeout time.Duration) spawnedCall {
	t.Helper()
	select {
	case sp := <-sink.spawned:
		return sp
	case <-time.After(timeout):
		t.Fatal("timed out waiting for WorkerSpawned")
		return spawnedCall{}
	}
}
