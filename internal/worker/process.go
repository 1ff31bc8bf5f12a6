// Package worker implements the per-worker Process supervisor: it
// owns one OS child, transacts with it over a framed control pipe,
// enforces startup/heartbeat/shutdown timeouts, and reports lifecycle
// events upward to its owning service.
package worker

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
	"github.com/InnuIO/fectl/internal/execworker"
	"github.com/InnuIO/fectl/internal/transport"
)

// Heartbeat is the fixed round-trip cadence.
const Heartbeat = 2 * time.Second

// killGrace is how long a graceful QuitProcess waits after SIGQUIT
// before the internal Kill event forces SIGKILL.
const killGrace = 1 * time.Second

// Sink receives events a Process reports upward to its owning
// ServiceManager. It is a send-only handle, never a shared-ownership
// pointer back to the service.
type Sink interface {
	ProcessLoaded(idx, pid int)
	ProcessFailed(idx, pid int, err *event.ProcessError)
	ProcessMessage(idx, pid int, tag transport.Tag)
}

type state int

const (
	stateStarting state = iota
	stateRunning
	stateStopping
	stateFailed
)

type evKind int

const (
	evMessage evKind = iota
	evEOF
	evCodecError
	evStartupTimeout
	evStopTimeout
	evHeartbeatTick
	evKillTimer
	evCmdStart
	evCmdPause
	evCmdResume
	evCmdStop
	evCmdQuit
	evCmdSend
)

type procEvent struct {
	kind     evKind
	msg      transport.WorkerMessage
	cmd      transport.WorkerCommand
	graceful bool
	err      error
	// generation guards stale timer events: a timer armed for an
	// earlier state must not act after the Process has moved past it;
	// handlers re-check state before acting on a fired timer.
	generation uint64
}

// Process is the per-worker supervisor actor. All mutation happens on
// its own goroutine (run); external callers only ever send on events.
type Process struct {
	idx  int
	cfg  config.ServiceConfig
	sink Sink
	id   uuid.UUID
	log  zerolog.Logger

	events chan procEvent
	done   chan struct{}

	handle *execworker.Handle
	pid    int

	state      state
	generation uint64
	hbAt       time.Time

	startupTimer *time.Timer
	stopTimer    *time.Timer
	hbTimer      *time.Timer
	killTimer    *time.Timer
}

// Handle is the caller-facing, send-only reference to a running
// Process actor: an opaque address used solely to dispatch commands
// downward. Messages travel upward through the Sink instead.
type Handle struct {
	events chan procEvent
	done   chan struct{}
}

// StartProcess forwards a `start` command to the worker.
func (h *Handle) StartProcess() { h.send(procEvent{kind: evCmdStart}) }

// PauseProcess forwards a `pause` command to the worker.
func (h *Handle) PauseProcess() { h.send(procEvent{kind: evCmdPause}) }

// ResumeProcess forwards a `resume` command to the worker.
func (h *Handle) ResumeProcess() { h.send(procEvent{kind: evCmdResume}) }

// StopProcess requests a graceful stop: `stop` command + SIGTERM with
// a shutdown-timeout enforcement, or an immediate SIGQUIT+terminate if
// the worker isn't Running.
func (h *Handle) StopProcess() { h.send(procEvent{kind: evCmdStop}) }

// QuitProcess requests termination. graceful=true sends SIGQUIT and
// gives the worker killGrace before SIGKILL; graceful=false kills
// immediately.
func (h *Handle) QuitProcess(graceful bool) {
	h.send(procEvent{kind: evCmdQuit, graceful: graceful})
}

// SendCommand forwards an arbitrary WorkerCommand frame.
func (h *Handle) SendCommand(cmd transport.WorkerCommand) {
	h.send(procEvent{kind: evCmdSend, cmd: cmd})
}

// Done is closed once the Process actor has fully torn down (and,
// per the load-bearing safety net, has issued a final SIGKILL to its
// pid).
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) send(ev procEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
		// Actor already gone; dropping is legal.
	}
}

// Start forks/execs a worker for slot idx under cfg, wires its control
// pipe, and launches the Process actor. On fork/exec failure it
// reports FailedToStart upward and returns (-1, nil).
func Start(idx int, cfg config.ServiceConfig, sink Sink, log zerolog.Logger) (pid int, h *Handle) {
	wh, procErr := execworker.Launch(idx, cfg)
	if procErr != nil {
		sink.ProcessFailed(idx, -1, procErr)
		return -1, nil
	}
	return wh.PID, startWithHandle(idx, cfg, sink, log, wh)
}

// startWithHandle launches the Process actor over an already-built
// execworker.Handle. Splitting this out of Start lets tests drive the
// actor over a pair of os.Pipe()s directly, without forking a real
// child process.
func startWithHandle(idx int, cfg config.ServiceConfig, sink Sink, log zerolog.Logger, wh *execworker.Handle) *Handle {
	id := uuid.New()
	p := &Process{
		idx:    idx,
		cfg:    cfg,
		sink:   sink,
		id:     id,
		log:    log.With().Int("slot", idx).Int("pid", wh.PID).Str("incarnation", id.String()).Logger(),
		events: make(chan procEvent, 16),
		done:   make(chan struct{}),
		handle: wh,
		pid:    wh.PID,
		state:  stateStarting,
		hbAt:   time.Now(),
	}

	go p.readPipe()
	go p.run()

	p.armTimer(&p.startupTimer, cfg.StartupTimeout(), evStartupTimeout)

	return &Handle{events: p.events, done: p.done}
}

func (p *Process) readPipe() {
	var dec transport.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := p.handle.Up.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, ok, decErr := dec.Next()
				if decErr != nil {
					p.pushEvent(procEvent{kind: evCodecError, err: decErr})
					return
				}
				if !ok {
					break
				}
				p.pushEvent(procEvent{kind: evMessage, msg: msg})
			}
		}
		if err != nil {
			if err != io.EOF {
				p.pushEvent(procEvent{kind: evCodecError, err: err})
			} else {
				p.pushEvent(procEvent{kind: evEOF})
			}
			return
		}
	}
}

func (p *Process) pushEvent(ev procEvent) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Process) armTimer(t **time.Timer, d time.Duration, kind evKind) {
	if *t != nil {
		(*t).Stop()
	}
	gen := p.generation
	*t = time.AfterFunc(d, func() {
		p.pushEvent(procEvent{kind: kind, generation: gen})
	})
}

func (p *Process) stopTimer_(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// run is the Process actor's single event loop. Every exit path falls
// through to the deferred cleanup, which always issues SIGKILL to the
// worker's pid as a last-resort guarantee against orphaned workers,
// reproduced here via defer+recover since Go has no deterministic
// destructors.
func (p *Process) run() {
	defer func() {
		_ = recover()
		_ = unix.Kill(p.pid, unix.SIGKILL)
		p.stopTimer_(&p.startupTimer)
		p.stopTimer_(&p.stopTimer)
		p.stopTimer_(&p.hbTimer)
		p.stopTimer_(&p.killTimer)
		close(p.done)
	}()

	for ev := range p.events {
		if p.handleEvent(ev) {
			return
		}
	}
}

// handleEvent returns true when the actor should terminate.
func (p *Process) handleEvent(ev procEvent) bool {
	switch ev.kind {
	case evMessage:
		return p.handleMessage(ev.msg)

	case evEOF, evCodecError:
		if ev.kind == evCodecError {
			p.log.Error().Err(ev.err).Msg("worker pipe codec error")
		} else {
			p.log.Debug().Msg("worker pipe EOF")
		}
		// graceful-false kill path.
		_ = unix.Kill(p.pid, unix.SIGKILL)
		return true

	case evStartupTimeout:
		if ev.generation != p.generation || p.state != stateStarting {
			return false
		}
		p.log.Error().Dur("timeout", p.cfg.StartupTimeout()).Msg("worker startup timeout")
		p.sink.ProcessFailed(p.idx, p.pid, &event.ProcessError{Kind: event.ErrStartupTimeout})
		p.state = stateFailed
		_ = unix.Kill(p.pid, unix.SIGKILL)
		return true

	case evStopTimeout:
		if ev.generation != p.generation || p.state != stateStopping {
			return false
		}
		p.log.Error().Dur("timeout", p.cfg.ShutdownTimeout()).Msg("worker shutdown timeout")
		p.sink.ProcessFailed(p.idx, p.pid, &event.ProcessError{Kind: event.ErrStopTimeout})
		p.state = stateFailed
		_ = unix.Kill(p.pid, unix.SIGKILL)
		return true

	case evHeartbeatTick:
		if ev.generation != p.generation || p.state != stateRunning {
			return false
		}
		if time.Since(p.hbAt) > p.cfg.HeartbeatTimeout() {
			p.log.Error().Msg("worker heartbeat failed")
			p.sink.ProcessFailed(p.idx, p.pid, &event.ProcessError{Kind: event.ErrHeartbeat})
			// Do NOT change state and do NOT re-arm: the owning
			// service reacts to ProcessFailed by issuing a hard
			// QuitProcess, and death finalizes via SIGCHLD.
			return false
		}
		p.writeCommand(transport.CmdHB())
		p.armTimer(&p.hbTimer, Heartbeat, evHeartbeatTick)
		return false

	case evKillTimer:
		if ev.generation != p.generation {
			return false
		}
		_ = unix.Kill(p.pid, unix.SIGKILL)
		return true

	case evCmdStart:
		p.writeCommand(transport.CmdStart())
		return false
	case evCmdPause:
		p.writeCommand(transport.CmdPause())
		return false
	case evCmdResume:
		p.writeCommand(transport.CmdResume())
		return false
	case evCmdStop:
		return p.handleStopProcess()
	case evCmdQuit:
		return p.handleQuitProcess(ev.graceful)
	case evCmdSend:
		p.writeCommand(ev.cmd)
		return false
	}
	return false
}

func (p *Process) handleMessage(msg transport.WorkerMessage) bool {
	switch msg.Tag() {
	case transport.TagForked:
		p.writeCommand(transport.CmdPrepare())
	case transport.TagLoaded:
		if p.state == stateStarting {
			p.log.Info().Msg("worker loaded")
			p.generation++
			p.stopTimer_(&p.startupTimer)
			p.sink.ProcessLoaded(p.idx, p.pid)
			p.state = stateRunning
			p.hbAt = time.Now()
			p.armTimer(&p.hbTimer, Heartbeat, evHeartbeatTick)
		} else {
			p.log.Warn().Msg("received `loaded` outside Starting state")
		}
	case transport.TagHB:
		p.hbAt = time.Now()
	case transport.TagReload:
		p.log.Info().Msg("worker requests reload")
		p.sink.ProcessMessage(p.idx, p.pid, transport.TagReload)
	case transport.TagRestart:
		p.log.Info().Msg("worker requests restart")
		p.sink.ProcessMessage(p.idx, p.pid, transport.TagRestart)
	case transport.TagCfgError:
		msgText := msg.CfgError()
		p.log.Error().Str("error", msgText).Msg("worker config error")
		p.sink.ProcessFailed(p.idx, p.pid, &event.ProcessError{Kind: event.ErrConfigError, Message: msgText})
	}
	return false
}

func (p *Process) handleStopProcess() bool {
	p.log.Info().Msg("stopping worker")
	if p.state == stateRunning {
		p.writeCommand(transport.CmdStop())
		p.state = stateStopping
		p.generation++
		p.armTimer(&p.stopTimer, p.cfg.ShutdownTimeout(), evStopTimeout)
		_ = unix.Kill(p.pid, unix.SIGTERM)
		return false
	}
	_ = unix.Kill(p.pid, unix.SIGQUIT)
	return true
}

func (p *Process) handleQuitProcess(graceful bool) bool {
	if graceful {
		_ = unix.Kill(p.pid, unix.SIGQUIT)
		p.generation++
		p.armTimer(&p.killTimer, killGrace, evKillTimer)
		return false
	}
	_ = unix.Kill(p.pid, unix.SIGKILL)
	return true
}

func (p *Process) writeCommand(cmd transport.WorkerCommand) {
	frame, err := transport.Encode(cmd)
	if err != nil {
		p.log.Error().Err(err).Msg("encode command")
		return
	}
	if _, err := p.handle.Down.Write(frame); err != nil {
		p.log.Debug().Err(err).Msg("write command: worker pipe likely closed")
	}
}
