// Package service implements the per-service worker pool: a fixed
// number of Process slots for one named service, the restart-with-
// backoff policy when a slot dies, and the reload/pause/resume/stop
// operations a CommandCenter drives.
package service

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/InnuIO/fectl/internal/config"
	"github.com/InnuIO/fectl/internal/event"
	"github.com/InnuIO/fectl/internal/transport"
	"github.com/InnuIO/fectl/internal/worker"
)

// stableAfter: a slot that stays Running this long resets its restart
// counter.
const stableAfter = 60 * time.Second

// maxRapidRestarts and rapidRestartWindow bound runaway crash loops:
// if a slot restarts this many times inside the window, the slot is
// parked in Failed and stops respawning until an explicit
// ReloadService/StartService.
const (
	maxRapidRestarts   = 5
	rapidRestartWindow = 10 * time.Second
)

// CenterSink receives events a ServiceManager reports upward to the
// CommandCenter.
type CenterSink interface {
	WorkerSpawned(service string, idx, pid int)
	ServiceStateChanged(service string, state event.ServiceState)
}

type slot struct {
	idx  int
	pid  int
	h    *worker.Handle
	live bool // false once we've observed this pid exit

	// stopped is true once this slot has been told to stop and should
	// not be auto-respawned.
	stopped bool
	loaded  bool

	// reloading is true while this slot is mid in-place relaunch (a
	// worker-requested reload, transport.TagReload): its exit should
	// trigger an immediate launchSlot instead of the normal backoff'd
	// scheduleRespawn.
	reloading bool

	restarts       int
	recentRestarts []time.Time
	startedAt      time.Time
}

type evKind int

const (
	evProcessLoaded evKind = iota
	evProcessFailed
	evProcessMessage
	evStart
	evStop
	evReload
	evPause
	evResume
	evExited
	evStatus
	evPIDs
	evRespawnSlot
)

type svcEvent struct {
	kind evKind

	idx  int
	pid  int
	err  *event.ProcessError
	tag  transport.Tag

	graceful bool
	statusCh chan event.ServiceStatus
	pidsCh   chan []int
	startCh  chan event.StartStatus
	reloadCh chan event.ReloadStatus
}

// Manager is the per-service worker pool actor.
type Manager struct {
	name string
	cfg  config.ServiceConfig
	sink CenterSink
	log  zerolog.Logger

	events chan svcEvent
	done   chan struct{}

	slots []*slot
	state event.ServiceState

	startWaiters  []chan event.StartStatus
	reloadWaiters []chan event.ReloadStatus
}

// Handle is the caller-facing reference to a running Manager.
type Handle struct {
	events chan svcEvent
	done   chan struct{}
}

func (h *Handle) send(ev svcEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// StartService launches every configured slot: fixed Num workers, all
// started together. The returned channel resolves StartSuccess once
// every slot reaches Running, or StartFailed if a slot fails
// permanently before then.
func (h *Handle) StartService() <-chan event.StartStatus {
	ch := make(chan event.StartStatus, 1)
	h.send(svcEvent{kind: evStart, startCh: ch})
	return ch
}

// StopService stops every slot. graceful requests a `stop`+SIGTERM
// handshake per slot rather than an immediate SIGKILL.
func (h *Handle) StopService(graceful bool) { h.send(svcEvent{kind: evStop, graceful: graceful}) }

// ReloadService stops every live slot (each respawns once its worker
// exits) and launches any slot that wasn't already running. Because
// the Manager is a single-goroutine actor, a ReloadService sent while
// one is still draining simply re-issues the same stop/launch pass
// against whatever state the slots are in at that point — there's no
// separate in-flight-reload tracking to coalesce against. The
// returned channel resolves ReloadSuccess once every slot reaches
// Running again, or ReloadFailed if a slot fails permanently first.
func (h *Handle) ReloadService() <-chan event.ReloadStatus {
	ch := make(chan event.ReloadStatus, 1)
	h.send(svcEvent{kind: evReload, reloadCh: ch})
	return ch
}

// PauseService forwards `pause` to every live slot.
func (h *Handle) PauseService() { h.send(svcEvent{kind: evPause}) }

// ResumeService forwards `resume` to every live slot.
func (h *Handle) ResumeService() { h.send(svcEvent{kind: evResume}) }

// Exited notifies the Manager that the CommandCenter's reaper
// observed pid exit, along with the ProcessError classifying its exit
// status. Only the Center calls waitpid; this is how that result
// reaches the service that owns the pid.
func (h *Handle) Exited(pid int, err *event.ProcessError) {
	h.send(svcEvent{kind: evExited, pid: pid, err: err})
}

// Status returns a snapshot of this service's state.
func (h *Handle) Status() event.ServiceStatus {
	reply := make(chan event.ServiceStatus, 1)
	h.send(svcEvent{kind: evStatus, statusCh: reply})
	select {
	case st := <-reply:
		return st
	case <-h.done:
		return event.ServiceStatus{State: event.ServiceStopped}
	}
}

// PIDs returns the live pids for every slot, in slot order (-1 for a
// slot with no live worker).
func (h *Handle) PIDs() []int {
	reply := make(chan []int, 1)
	h.send(svcEvent{kind: evPIDs, pidsCh: reply})
	select {
	case pids := <-reply:
		return pids
	case <-h.done:
		return nil
	}
}

// Done is closed once the Manager's actor goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// New constructs a Manager for name/cfg and starts its actor
// goroutine. It does not launch any slots; call StartService for
// that.
func New(name string, cfg config.ServiceConfig, sink CenterSink, log zerolog.Logger) (*Manager, *Handle) {
	m := &Manager{
		name:   name,
		cfg:    cfg,
		sink:   sink,
		log:    log.With().Str("service", name).Logger(),
		events: make(chan svcEvent, 32),
		done:   make(chan struct{}),
		slots:  make([]*slot, cfg.Num),
		state:  event.ServiceStopped,
	}
	for i := range m.slots {
		m.slots[i] = &slot{idx: i, pid: -1, stopped: true}
	}
	go m.run()
	return m, &Handle{events: m.events, done: m.done}
}

func (m *Manager) run() {
	defer close(m.done)
	for ev := range m.events {
		m.handle(ev)
	}
}

func (m *Manager) handle(ev svcEvent) {
	switch ev.kind {
	case evStart:
		if ev.startCh != nil {
			m.startWaiters = append(m.startWaiters, ev.startCh)
		}
		m.startAll()
	case evStop:
		m.stopAll(ev.graceful)
	case evReload:
		if ev.reloadCh != nil {
			m.reloadWaiters = append(m.reloadWaiters, ev.reloadCh)
		}
		m.reloadAll()
	case evPause:
		m.forEachLive(func(s *slot) { s.h.PauseProcess() })
	case evResume:
		m.forEachLive(func(s *slot) { s.h.ResumeProcess() })
	case evExited:
		m.handleExited(ev.pid, ev.err)
	case evProcessLoaded:
		m.handleProcessLoaded(ev.idx, ev.pid)
	case evProcessFailed:
		m.handleProcessFailed(ev.idx, ev.pid, ev.err)
	case evProcessMessage:
		m.handleProcessMessage(ev.idx, ev.pid, ev.tag)
	case evStatus:
		ev.statusCh <- m.snapshot()
	case evPIDs:
		ev.pidsCh <- m.pids()
	case evRespawnSlot:
		m.respawnSlot(ev.idx)
	}
}

// respawnSlot relaunches a slot after its scheduled backoff delay, as
// long as nothing has since marked it stopped (a StopService/reload
// may have raced the timer).
func (m *Manager) respawnSlot(idx int) {
	s := m.slots[idx]
	if s.stopped || s.live {
		return
	}
	m.launchSlot(s)
}

func (m *Manager) forEachLive(fn func(s *slot)) {
	for _, s := range m.slots {
		if s.live && s.h != nil {
			fn(s)
		}
	}
}

func (m *Manager) setState(st event.ServiceState) {
	if m.state == st {
		return
	}
	m.state = st
	m.sink.ServiceStateChanged(m.name, st)

	switch st {
	case event.ServiceRunning:
		m.resolveStartWaiters(event.StartSuccess)
		m.resolveReloadWaiters(event.ReloadSuccess)
	case event.ServiceFailed, event.ServiceStopped:
		m.resolveStartWaiters(event.StartFailed)
		m.resolveReloadWaiters(event.ReloadFailed)
	}
}

func (m *Manager) resolveStartWaiters(status event.StartStatus) {
	for _, ch := range m.startWaiters {
		ch <- status
		close(ch)
	}
	m.startWaiters = nil
}

func (m *Manager) resolveReloadWaiters(status event.ReloadStatus) {
	for _, ch := range m.reloadWaiters {
		ch <- status
		close(ch)
	}
	m.reloadWaiters = nil
}

func (m *Manager) startAll() {
	m.setState(event.ServiceStarting)
	for _, s := range m.slots {
		m.launchSlot(s)
	}
}

func (m *Manager) launchSlot(s *slot) {
	s.stopped = false
	pid, h := worker.Start(s.idx, m.cfg, &slotSink{m: m}, m.log)
	if h == nil {
		// FailedToStart already reported upward by worker.Start via
		// slotSink.ProcessFailed; nothing further to do here, the
		// slot stays dead until the next restart/reload attempt.
		return
	}
	s.pid = pid
	s.h = h
	s.live = true
	s.loaded = false
	s.startedAt = time.Now()
	m.sink.WorkerSpawned(m.name, s.idx, pid)
	h.StartProcess()
}

func (m *Manager) stopAll(graceful bool) {
	for _, s := range m.slots {
		s.stopped = true
	}
	if m.allSlotsDown() {
		m.setState(event.ServiceStopped)
		return
	}
	m.setState(event.ServiceStopping)
	for _, s := range m.slots {
		if s.live && s.h != nil {
			if graceful {
				s.h.StopProcess()
			} else {
				s.h.QuitProcess(false)
			}
		}
	}
}

func (m *Manager) reloadAll() {
	m.setState(event.ServiceReloading)
	for _, s := range m.slots {
		if s.live && s.h != nil {
			s.h.StopProcess()
		} else {
			m.launchSlot(s)
		}
	}
}

func (m *Manager) handleProcessLoaded(idx, pid int) {
	m.log.Debug().Int("slot", idx).Int("pid", pid).Msg("worker loaded")
	s := m.slots[idx]
	s.loaded = true
	if (m.state == event.ServiceStarting || m.state == event.ServiceReloading) && m.allLoaded() {
		m.setState(event.ServiceRunning)
	}
}

func (m *Manager) allLoaded() bool {
	for _, s := range m.slots {
		if s.live && !s.loaded {
			return false
		}
	}
	return true
}

func (m *Manager) handleProcessFailed(idx, pid int, err *event.ProcessError) {
	s := m.slots[idx]
	m.log.Warn().Int("slot", idx).Int("pid", pid).Str("kind", err.Kind.String()).Msg("process failed")

	if err.Kind == event.ErrHeartbeat && s.live && s.h != nil {
		// The worker itself doesn't self-terminate on a heartbeat
		// miss; the owning service forces it down so the reaper can
		// finalize the slot.
		s.h.QuitProcess(false)
		return
	}

	if isPermanentFailure(err) {
		// A worker's cfgerror arrives here, not through the reaper; its
		// exit follows, and the stopped slot is not respawned then.
		m.log.Error().Int("slot", idx).Str("reason", event.ReasonFromProcessError(err).String()).Msg("worker failed permanently; not respawning")
		s.stopped = true
		m.setState(event.ServiceFailed)
		return
	}

	if err.Kind == event.ErrFailedToStart {
		// fork/exec never produced a pid, so no SIGCHLD will ever
		// reach the reaper for this attempt; the respawn has to be
		// driven from here instead of handleExited.
		s.live = false
		s.pid = -1
		s.h = nil
		if !s.stopped {
			m.scheduleRespawn(s)
		}
	}
}

func (m *Manager) handleProcessMessage(idx, pid int, tag transport.Tag) {
	switch tag {
	case transport.TagReload:
		// Reload is an in-place relaunch of just the requesting slot
		// (DESIGN.md open-question decision 4: reload = single slot,
		// restart = whole service).
		m.log.Info().Int("slot", idx).Msg("worker requested reload; relaunching slot")
		m.reloadSlot(idx)
	case transport.TagRestart:
		m.log.Info().Int("slot", idx).Msg("worker requested restart; reloading whole service")
		m.reloadAll()
	}
}

// reloadSlot stops a single slot's worker in place; handleExited sees
// its reloading flag and relaunches it immediately, without waiting on
// the normal restart backoff.
func (m *Manager) reloadSlot(idx int) {
	for _, s := range m.slots {
		if s.idx != idx {
			continue
		}
		if !s.live || s.h == nil {
			m.launchSlot(s)
			return
		}
		s.reloading = true
		s.h.StopProcess()
		return
	}
}

func (m *Manager) handleExited(pid int, err *event.ProcessError) {
	for _, s := range m.slots {
		if s.pid == pid {
			s.live = false
			s.pid = -1
			s.h = nil
			s.loaded = false
			if s.reloading {
				s.reloading = false
				if !s.stopped {
					m.launchSlot(s)
				}
				return
			}
			if isPermanentFailure(err) {
				reason := event.ReasonFromProcessError(err)
				m.log.Error().Int("slot", s.idx).Str("reason", reason.String()).Msg("worker failed permanently; not respawning")
				s.stopped = true
				m.setState(event.ServiceFailed)
				return
			}
			if !s.stopped {
				m.scheduleRespawn(s)
			}
			if m.state == event.ServiceStopping && m.allSlotsDown() {
				m.setState(event.ServiceStopped)
			}
			return
		}
	}
	m.log.Debug().Int("pid", pid).Msg("exited pid not owned by this service")
}

// isPermanentFailure reports whether a worker's exit reason rules out
// respawning it: a bad config, a failed init, or a failed boot will
// fail again identically on every retry.
func isPermanentFailure(err *event.ProcessError) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case event.ErrConfigError, event.ErrInitFailed, event.ErrBootFailed:
		return true
	default:
		return false
	}
}

func (m *Manager) allSlotsDown() bool {
	for _, s := range m.slots {
		if s.live {
			return false
		}
	}
	return true
}

func (m *Manager) scheduleRespawn(s *slot) {
	now := time.Now()
	if time.Since(s.startedAt) > stableAfter && s.restarts > 0 {
		s.restarts = 0
		s.recentRestarts = nil
	}

	s.recentRestarts = pruneOlderThan(s.recentRestarts, now.Add(-rapidRestartWindow))
	if len(s.recentRestarts) >= maxRapidRestarts {
		m.log.Error().Int("slot", s.idx).Msg("rapid restart limit exceeded; parking slot")
		m.setState(event.ServiceFailed)
		return
	}
	if m.cfg.MaxRestarts > 0 && s.restarts >= m.cfg.MaxRestarts {
		m.log.Error().Int("slot", s.idx).Int("restarts", s.restarts).Msg("max restarts exceeded; parking slot")
		m.setState(event.ServiceFailed)
		return
	}

	s.restarts++
	s.recentRestarts = append(s.recentRestarts, now)

	delay := backoffDelay(m.cfg, s.restarts)
	m.log.Info().Int("slot", s.idx).Dur("delay", delay).Int("attempt", s.restarts).Msg("scheduling respawn")

	idx := s.idx
	h := Handle{events: m.events, done: m.done}
	time.AfterFunc(delay, func() {
		h.send(svcEvent{kind: evRespawnSlot, idx: idx})
	})
}

func backoffDelay(cfg config.ServiceConfig, restarts int) time.Duration {
	base := cfg.MinRestartInterval()
	if base <= 0 {
		base = time.Second
	}
	factor := cfg.RestartBackoffFactor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(base) * math.Pow(factor, float64(restarts-1)))
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (m *Manager) snapshot() event.ServiceStatus {
	running := 0
	for _, s := range m.slots {
		if s.live {
			running++
		}
	}
	return event.ServiceStatus{
		Name:    m.name,
		State:   m.state,
		Num:     len(m.slots),
		Running: running,
		PIDs:    m.pids(),
	}
}

func (m *Manager) pids() []int {
	pids := make([]int, len(m.slots))
	for i, s := range m.slots {
		pids[i] = s.pid
	}
	return pids
}

// slotSink adapts worker.Sink (one per Process, per-call idx/pid) into
// events on the Manager's own inbox, keeping all mutation on the
// Manager's single goroutine even though each Process actor calls
// these methods from its own goroutine.
type slotSink struct {
	m *Manager
}

func (s *slotSink) ProcessLoaded(idx, pid int) {
	s.push(svcEvent{kind: evProcessLoaded, idx: idx, pid: pid})
}

func (s *slotSink) ProcessFailed(idx, pid int, err *event.ProcessError) {
	s.push(svcEvent{kind: evProcessFailed, idx: idx, pid: pid, err: err})
}

func (s *slotSink) ProcessMessage(idx, pid int, tag transport.Tag) {
	s.push(svcEvent{kind: evProcessMessage, idx: idx, pid: pid, tag: tag})
}

func (s *slotSink) push(ev svcEvent) {
	select {
	case s.m.events <- ev:
	case <-s.m.done:
	}
}
