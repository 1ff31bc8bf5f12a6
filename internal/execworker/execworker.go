// Package execworker launches a worker process and wires up its
// control pipes. A Go runtime cannot safely fork() without exec
// (goroutines, the GC, and the scheduler all assume a single address
// space), so this package uses os/exec with ExtraFiles handing the
// child a pair of pipe FDs for its control channel.
package execworker

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
)

// controlReadFD / controlWriteFD are the FD numbers the worker sees
// its two ends of the control channel on, inside its own process
// (stdin=0, stdout=1, stderr=2, then ExtraFiles start at 3).
const (
	controlReadFD  = 3
	controlWriteFD = 4

	// EnvControlReadFD / EnvControlWriteFD are exported so a worker
	// binary (or a test harness standing in for one) can discover
	// which FDs to use without hard-coding 3/4.
	EnvControlReadFD  = "FECTL_CONTROL_READ_FD"
	EnvControlWriteFD = "FECTL_CONTROL_WRITE_FD"
)

// Handle is the parent-side result of launching a worker: the child's
// pid plus the two pipe ends the parent uses to transact with it.
type Handle struct {
	PID int

	// Up is the parent's read end of the child->parent pipe
	// (WorkerMessage frames arrive here).
	Up *os.File
	// Down is the parent's write end of the parent->child pipe
	// (WorkerCommand frames are sent here).
	Down *os.File

	cmd *exec.Cmd
}

// Wait blocks until the child exits and returns its wait status. It
// may be called at most once per Handle; the CommandCenter's SIGCHLD
// reaper is the only other consumer of exit status, and it observes
// it via waitpid, not Wait, to avoid a double-reap race — only the
// Command Center calls waitpid, so Wait here is only used by this
// package's tests, never by production code.
func (h *Handle) Wait() error {
	return h.cmd.Wait()
}

// Launch starts cfg.Exec as a child process and returns the pid and
// control pipes, or a *event.ProcessError{Kind: ErrFailedToStart} on
// failure.
//
// The child is placed in its own process group (Setpgid) so the
// Process supervisor's signals reach it specifically rather than the
// whole process group.
func Launch(idx int, cfg config.ServiceConfig) (*Handle, *event.ProcessError) {
	upRead, upWrite, err := os.Pipe()
	if err != nil {
		return nil, &event.ProcessError{Kind: event.ErrFailedToStart, Message: fmt.Sprintf("pipe: %v", err)}
	}
	downRead, downWrite, err := os.Pipe()
	if err != nil {
		upRead.Close()
		upWrite.Close()
		return nil, &event.ProcessError{Kind: event.ErrFailedToStart, Message: fmt.Sprintf("pipe: %v", err)}
	}

	cmd := exec.Command(cfg.Exec, cfg.Args...)
	cmd.Dir = cfg.Workdir
	cmd.Env = buildEnv(idx, cfg)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[0] lands at fd 3 (controlReadFD), ExtraFiles[1] at
	// fd 4 (controlWriteFD) inside the child.
	cmd.ExtraFiles = []*os.File{downRead, upWrite}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		upRead.Close()
		upWrite.Close()
		downRead.Close()
		downWrite.Close()
		return nil, &event.ProcessError{Kind: event.ErrFailedToStart, Message: err.Error()}
	}

	// The child now owns its dup'd copies of downRead/upWrite; close
	// the parent's references so EOF propagates correctly when the
	// child exits.
	downRead.Close()
	upWrite.Close()

	return &Handle{
		PID:  cmd.Process.Pid,
		Up:   upRead,
		Down: downWrite,
		cmd:  cmd,
	}, nil
}

func buildEnv(idx int, cfg config.ServiceConfig) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		fmt.Sprintf("%s=%d", EnvControlReadFD, controlReadFD),
		fmt.Sprintf("%s=%d", EnvControlWriteFD, controlWriteFD),
		"FECTL_SERVICE="+cfg.Name,
		"FECTL_SLOT="+strconv.Itoa(idx),
	)
	return env
}
