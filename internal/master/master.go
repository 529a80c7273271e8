// Package master implements the control plane that owns focus, remote
// connections, and the event loop multiplexing all of them.
package master

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"kvmux/internal/config"
	"kvmux/internal/edge"
	"kvmux/internal/hotkey"
	"kvmux/internal/platform"
	"kvmux/internal/sched"
)

// focusMasterIdx is the focus index meaning "the master itself".
const focusMasterIdx = -1

// Master ties the configuration, platform driver, clock, scheduler, and
// remote registry together. All mutable state is owned by the goroutine
// running Run; other goroutines interact only through Post, Watch and
// Current.
type Master struct {
	cfg   *config.Config
	drv   platform.Driver
	clock sched.Clock
	sch   *sched.Scheduler

	remotes     []*Remote
	masterEdges edge.State
	detector    edge.Detector

	// focus is the index of the focused remote, or focusMasterIdx.
	focus          int
	savedMasterPos platform.Point

	platformFD int
	quit       bool

	// wake pipe and command queue let other goroutines (API, tray,
	// signal handler) inject work into the loop thread.
	wakeR, wakeW int
	cmdMu        sync.Mutex
	cmds         []func()

	statusMu sync.Mutex
	status   Status
	watchers []chan Status
}

// New builds a Master over the given config and driver. It initializes the
// platform, binds hotkeys (a collision is fatal), and warns about topology
// problems; remotes are not spawned until Run.
func New(cfg *config.Config, drv platform.Driver, clock sched.Clock) (*Master, error) {
	m := &Master{
		cfg:   cfg,
		drv:   drv,
		clock: clock,
		sch:   sched.NewScheduler(),
		focus: focusMasterIdx,
	}

	for i, def := range cfg.Remotes {
		m.remotes = append(m.remotes, &Remote{def: def, idx: i})
	}

	fd, err := drv.Init(m.edgeCallback)
	if err != nil {
		return nil, fmt.Errorf("master: platform init: %w", err)
	}
	m.platformFD = fd

	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		drv.Close()
		return nil, fmt.Errorf("master: wake pipe: %w", err)
	}
	m.wakeR, m.wakeW = wake[0], wake[1]

	if cfg.MouseSwitch.Type == config.MouseSwitchMultiTap {
		m.detector.Taps = cfg.MouseSwitch.Taps
		m.detector.Window = cfg.MouseSwitch.Window
	}
	m.detector.Now = clock.Now
	m.detector.Trigger = m.edgeTrigger

	if err := m.bindHotkeys(); err != nil {
		m.closeFDs()
		drv.Close()
		return nil, err
	}

	m.checkTopology()
	m.notifyStatus()
	return m, nil
}

func (m *Master) closeFDs() {
	unix.Close(m.wakeR)
	unix.Close(m.wakeW)
}

// bindHotkeys registers every configured combination with the driver.
func (m *Master) bindHotkeys() error {
	for _, b := range m.cfg.Hotkeys {
		action := b.Action
		err := m.drv.BindHotkey(b.Combo, func(ctx platform.HotkeyContext) {
			m.runAction(action, ctx)
		})
		if err != nil {
			return fmt.Errorf("master: bind hotkey %q: %w", b.Combo, err)
		}
	}
	return nil
}

// runAction executes a fired hotkey binding.
func (m *Master) runAction(a hotkey.Action, ctx platform.HotkeyContext) {
	modkeys := m.drv.HotkeyModifiers(ctx)

	switch a.Kind {
	case hotkey.ActionSwitch:
		m.focusNeighbor(a.Dir, modkeys, true)

	case hotkey.ActionSwitchTo:
		ref := config.MasterRef()
		if a.Target != "master" {
			i := m.cfg.FindRemote(a.Target)
			if i < 0 {
				log.Printf("Master: hotkey target '%s' not found", a.Target)
				return
			}
			ref = config.RemoteRef(i)
		}
		m.focusNode(ref, modkeys, true)

	case hotkey.ActionReconnect:
		m.reconnectAll()

	case hotkey.ActionQuit:
		m.quit = true

	default:
		log.Printf("Master: unknown action type %d", a.Kind)
	}
}

// checkTopology warns about remotes unreachable from the master by
// neighbor-graph traversal and about remotes with no neighbors at all.
func (m *Master) checkTopology() {
	reachable := make([]bool, len(m.cfg.Remotes))

	var mark func(n config.NodeRef)
	mark = func(n config.NodeRef) {
		if n.Kind() != config.NodeRemote {
			return
		}
		i := n.RemoteIndex()
		if reachable[i] {
			return
		}
		reachable[i] = true
		for _, nb := range m.cfg.Remotes[i].Neighbors {
			mark(nb)
		}
	}
	for _, n := range m.cfg.MasterNeighbors {
		mark(n)
	}

	for i, def := range m.cfg.Remotes {
		if !reachable[i] {
			log.Printf("Master: warning: remote '%s' is not reachable", def.Alias)
		}
		neighbors := 0
		for _, nb := range def.Neighbors {
			if nb.Kind() != config.NodeNone {
				neighbors++
			}
		}
		if neighbors == 0 {
			log.Printf("Master: warning: remote '%s' has no neighbors", def.Alias)
		}
	}
}

// Post queues fn to run on the event-loop goroutine and wakes the loop.
// Safe to call from any goroutine.
func (m *Master) Post(fn func()) {
	m.cmdMu.Lock()
	m.cmds = append(m.cmds, fn)
	m.cmdMu.Unlock()

	var b [1]byte
	unix.Write(m.wakeW, b[:])
}

// Quit asks the loop to shut down cleanly. Safe to call from any goroutine.
func (m *Master) Quit() {
	m.Post(func() { m.quit = true })
}

// Reconnect clears failure state on every remote. Safe to call from any
// goroutine.
func (m *Master) Reconnect() {
	m.Post(func() { m.reconnectAll() })
}

// FocusByName switches focus to the named remote, or to the master for
// "master". Safe to call from any goroutine.
func (m *Master) FocusByName(name string) {
	m.Post(func() {
		ref := config.MasterRef()
		if name != "master" {
			i := m.cfg.FindRemote(name)
			if i < 0 {
				log.Printf("Master: no such remote: '%s'", name)
				return
			}
			ref = config.RemoteRef(i)
		}
		m.focusNode(ref, m.drv.CurrentModifiers(), false)
	})
}

// runPosted drains the wake pipe and executes queued commands.
func (m *Master) runPosted() {
	var buf [64]byte
	for {
		if _, err := unix.Read(m.wakeR, buf[:]); err != nil {
			break
		}
	}

	m.cmdMu.Lock()
	cmds := m.cmds
	m.cmds = nil
	m.cmdMu.Unlock()

	for _, fn := range cmds {
		fn()
	}
}

// shutdown kills every transport and releases the platform.
func (m *Master) shutdown() {
	for _, r := range m.remotes {
		if r.ch != nil {
			r.ch.Close()
			r.ch = nil
		}
		r.scheduled = nil
		if r.cmd != nil {
			r.cmd.Process.Kill()
			r.cmd.Wait()
			r.cmd = nil
		}
	}
	m.closeFDs()
	m.drv.Close()
}
