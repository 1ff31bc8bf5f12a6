// Package center implements the CommandCenter: the top-level actor
// that owns every ServiceManager, installs the process's signal
// handlers, reaps dead children, and answers the
// service_status/start_service/stop_service/... operations exposed on
// its Handle.
package center

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/diag"
	"github.com/InnuIO/fectl/internal/event"
	"github.com/InnuIO/fectl/internal/service"
)

type evKind int

const (
	evSignal evKind = iota
	evReapWorkers
	evReloadAll
	evServiceStateChanged
	evWorkerSpawned
	evOp
)

type opKind int

const (
	opStatus opKind = iota
	opAllStatuses
	opPIDs
	opStart
	opStop
	opReload
	opPause
	opResume
)

type centerEvent struct {
	kind evKind
	sig  os.Signal

	service string
	state   event.ServiceState
	pid     int

	op       opKind
	graceful bool
	reply    chan opResult
}

type opResult struct {
	status   event.ServiceStatus
	statuses []event.ServiceStatus
	pids     []int
	startCh  <-chan event.StartStatus
	reloadCh <-chan event.ReloadStatus
	cmdErr   *event.CommandError
}

// Center is the top-level supervisor actor.
type Center struct {
	cfg *config.Config
	log zerolog.Logger

	events chan centerEvent
	done   chan struct{}

	sigCh chan os.Signal

	state   event.CenterState
	handles map[string]*service.Handle

	stopWaiters []chan struct{}
	terminal    chan struct{}
	terminated  bool
}

// Handle is the caller-facing reference to a running Center.
type Handle struct {
	events chan centerEvent
	done   chan struct{}
}

func (h *Handle) send(ev centerEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Handle) call(ev centerEvent) opResult {
	reply := make(chan opResult, 1)
	ev.reply = reply
	h.send(ev)
	select {
	case r := <-reply:
		return r
	case <-h.done:
		return opResult{cmdErr: &event.CommandError{Kind: event.CmdErrNotReady}}
	}
}

// ServiceStatus returns one service's status snapshot.
func (h *Handle) ServiceStatus(name string) (event.ServiceStatus, *event.CommandError) {
	r := h.call(centerEvent{kind: evOp, op: opStatus, service: name})
	return r.status, r.cmdErr
}

// AllStatuses returns every service's status snapshot.
func (h *Handle) AllStatuses() []event.ServiceStatus {
	r := h.call(centerEvent{kind: evOp, op: opAllStatuses})
	return r.statuses
}

// ServiceWorkerPIDs returns one service's slot pids.
func (h *Handle) ServiceWorkerPIDs(name string) ([]int, *event.CommandError) {
	r := h.call(centerEvent{kind: evOp, op: opPIDs, service: name})
	return r.pids, r.cmdErr
}

// StartService starts a named service's workers. The returned channel
// resolves the start completion once every slot is Running (or a slot
// fails permanently first); it is nil if cmdErr is non-nil.
func (h *Handle) StartService(name string) (<-chan event.StartStatus, *event.CommandError) {
	r := h.call(centerEvent{kind: evOp, op: opStart, service: name})
	return r.startCh, r.cmdErr
}

// StopService stops a named service's workers.
func (h *Handle) StopService(name string, graceful bool) *event.CommandError {
	return h.call(centerEvent{kind: evOp, op: opStop, service: name, graceful: graceful}).cmdErr
}

// ReloadService reloads a named service. The returned channel
// resolves the reload completion once every slot is Running again (or
// a slot fails permanently first); it is nil if cmdErr is non-nil.
func (h *Handle) ReloadService(name string) (<-chan event.ReloadStatus, *event.CommandError) {
	r := h.call(centerEvent{kind: evOp, op: opReload, service: name})
	return r.reloadCh, r.cmdErr
}

// PauseService pauses a named service's workers.
func (h *Handle) PauseService(name string) *event.CommandError {
	return h.call(centerEvent{kind: evOp, op: opPause, service: name}).cmdErr
}

// ResumeService resumes a named service's workers.
func (h *Handle) ResumeService(name string) *event.CommandError {
	return h.call(centerEvent{kind: evOp, op: opResume, service: name}).cmdErr
}

// ReloadAll reloads every service.
func (h *Handle) ReloadAll() { h.send(centerEvent{kind: evReloadAll}) }

// Stop initiates an orderly global shutdown: every service is asked
// to stop, and the returned channel closes once every one of them
// has.
func (h *Handle) Stop(graceful bool) <-chan struct{} {
	waiter := make(chan struct{})
	h.send(centerEvent{kind: evSignal, sig: stopSignal{graceful: graceful, waiter: waiter}})
	return waiter
}

// stopSignal is an internal os.Signal-shaped carrier letting Stop
// push a graceful flag and completion channel through the same
// evSignal path the real OS signals use, without a separate event
// kind for it.
type stopSignal struct {
	graceful bool
	waiter   chan struct{}
}

func (stopSignal) String() string { return "stop" }
func (stopSignal) Signal()        {}

// Done is closed once the Center's actor goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// New builds a Center for cfg and launches its actor goroutine and
// OS signal handlers. The actor goroutine starts every configured
// service before it enters the Running state.
func New(cfg *config.Config, log zerolog.Logger) (*Center, *Handle) {
	c := &Center{
		cfg:      cfg,
		log:      log,
		events:   make(chan centerEvent, 64),
		done:     make(chan struct{}),
		sigCh:    make(chan os.Signal, 16),
		state:    event.CenterStarting,
		handles:  make(map[string]*service.Handle),
		terminal: make(chan struct{}),
	}

	signal.Notify(c.sigCh,
		syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGCHLD, syscall.SIGUSR1)

	go c.relaySignals()

	for _, svcCfg := range cfg.Services {
		_, h := service.New(svcCfg.Name, svcCfg, (*managerSink)(c), log)
		c.handles[svcCfg.Name] = h
	}

	go c.run()

	return c, &Handle{events: c.events, done: c.done}
}

func (c *Center) relaySignals() {
	for sig := range c.sigCh {
		select {
		case c.events <- centerEvent{kind: evSignal, sig: sig}:
		case <-c.done:
			return
		}
	}
}

func (c *Center) run() {
	defer close(c.done)
	defer signal.Stop(c.sigCh)

	for _, h := range c.handles {
		h.StartService()
	}
	c.state = event.CenterRunning

	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-c.terminal:
			return
		}
	}
}

func (c *Center) handleEvent(ev centerEvent) {
	switch ev.kind {
	case evSignal:
		c.handleSignal(ev.sig)
	case evReapWorkers:
		c.reapWorkers()
	case evReloadAll:
		c.reloadAll()
	case evServiceStateChanged:
		c.log.Info().Str("service", ev.service).Str("state", ev.state.String()).Msg("service state changed")
		c.checkStopComplete()
	case evWorkerSpawned:
		c.log.Debug().Str("service", ev.service).Int("pid", ev.pid).Msg("worker spawned")
	case evOp:
		ev.reply <- c.handleOp(ev)
	}
}

func (c *Center) handleSignal(sig os.Signal) {
	switch s := sig.(type) {
	case stopSignal:
		c.beginStop(s.graceful, s.waiter)
	default:
		switch sig {
		case syscall.SIGHUP:
			c.log.Info().Msg("SIGHUP received, reloading")
			c.reloadAll()
		case syscall.SIGTERM:
			c.log.Info().Msg("SIGTERM received, stopping")
			c.beginStop(true, nil)
		case syscall.SIGINT, syscall.SIGQUIT:
			c.log.Info().Msg("SIGINT/SIGQUIT received, exiting")
			c.beginStop(false, nil)
		case syscall.SIGCHLD:
			c.reapWorkers()
		case syscall.SIGUSR1:
			c.dumpDiagnostics()
		}
	}
}

// reapWorkers is the sole waitpid caller in the whole process: it
// drains every exited child with a non-blocking Wait4 loop, turns its
// exit status into a ProcessError, and broadcasts both to every
// service, since each Manager already knows to ignore a pid it
// doesn't own.
func (c *Center) reapWorkers() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		procErr := processErrorFromStatus(status)
		c.log.Debug().Int("pid", pid).Str("reason", procErr.Kind.String()).Msg("reaped worker")
		for _, h := range c.handles {
			h.Exited(pid, procErr)
		}
	}
}

// processErrorFromStatus classifies a reaped child's wait status into
// the ProcessError its owning slot should see: a signal death maps to
// ErrSignal, a plain exit to the reserved-exit-code mapping.
func processErrorFromStatus(status unix.WaitStatus) *event.ProcessError {
	if status.Signaled() {
		return event.ProcessErrorFromSignal(int(status.Signal()))
	}
	return event.ProcessErrorFromExitCode(status.ExitStatus())
}

func (c *Center) reloadAll() {
	if c.state != event.CenterRunning {
		c.log.Warn().Str("state", c.state.String()).Msg("cannot reload outside Running state")
		return
	}
	c.log.Info().Msg("reloading all services")
	for _, h := range c.handles {
		h.ReloadService()
	}
}

func (c *Center) beginStop(graceful bool, waiter chan struct{}) {
	if waiter != nil {
		c.stopWaiters = append(c.stopWaiters, waiter)
	}
	if c.state == event.CenterStopping {
		c.checkStopComplete()
		return
	}
	c.log.Info().Bool("graceful", graceful).Msg("stopping command center")
	c.state = event.CenterStopping
	for _, h := range c.handles {
		h.StopService(graceful)
	}
	c.checkStopComplete()
}

// checkStopComplete is the terminal-exit gate: once every service has
// settled to Stopped, it resolves every Stop() waiter and tears down
// the actor goroutine itself, since nothing further will ever need
// this Center's event loop again.
func (c *Center) checkStopComplete() {
	if c.state != event.CenterStopping || c.terminated {
		return
	}
	for _, h := range c.handles {
		if h.Status().State != event.ServiceStopped {
			return
		}
	}
	for _, w := range c.stopWaiters {
		close(w)
	}
	c.stopWaiters = nil
	c.terminated = true
	close(c.terminal)
}

func (c *Center) dumpDiagnostics() {
	statuses := c.allStatusesLocked()
	for _, line := range diag.Dump(statuses) {
		c.log.Info().Msg(line)
	}
}

func (c *Center) handleOp(ev centerEvent) opResult {
	if ev.op == opAllStatuses {
		return opResult{statuses: c.allStatusesLocked()}
	}

	if c.state != event.CenterRunning {
		return opResult{cmdErr: &event.CommandError{Kind: event.CmdErrNotReady}}
	}

	h, ok := c.handles[ev.service]
	if !ok {
		return opResult{cmdErr: &event.CommandError{Kind: event.CmdErrUnknownService, Service: ev.service}}
	}

	switch ev.op {
	case opStatus:
		return opResult{status: h.Status()}
	case opPIDs:
		return opResult{pids: h.PIDs()}
	case opStart:
		return opResult{startCh: h.StartService()}
	case opStop:
		h.StopService(ev.graceful)
		return opResult{}
	case opReload:
		return opResult{reloadCh: h.ReloadService()}
	case opPause:
		h.PauseService()
		return opResult{}
	case opResume:
		h.ResumeService()
		return opResult{}
	}
	return opResult{}
}

func (c *Center) allStatusesLocked() []event.ServiceStatus {
	statuses := make([]event.ServiceStatus, 0, len(c.handles))
	for _, h := range c.handles {
		statuses = append(statuses, h.Status())
	}
	return statuses
}

// managerSink adapts service.CenterSink (called from each Manager's
// own goroutine) into events on the Center's inbox, the same pattern
// slotSink uses one layer down.
type managerSink Center

func (c *managerSink) WorkerSpawned(svc string, idx, pid int) {
	c.push(centerEvent{kind: evWorkerSpawned, service: svc, pid: pid})
}

func (c *managerSink) ServiceStateChanged(svc string, state event.ServiceState) {
	c.push(centerEvent{kind: evServiceStateChanged, service: svc, state: state})
}

func (c *managerSink) push(ev centerEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
