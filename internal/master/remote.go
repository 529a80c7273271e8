package master

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"kvmux/internal/config"
	"kvmux/internal/edge"
	"kvmux/internal/msgchan"
	"kvmux/internal/proto"
)

// State is a remote's connection state.
type State int

const (
	// StateSettingUp means the transport is spawned and SETUP sent, but no
	// READY received yet.
	StateSettingUp State = iota
	// StateConnected means the remote answered READY and can receive input.
	StateConnected
	// StateFailed means the connection died; a reconnect is scheduled.
	StateFailed
	// StatePermFailed means the failure limit was exceeded; only an
	// explicit reconnect action revives the remote.
	StatePermFailed
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateSettingUp:
		return "setting-up"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StatePermFailed:
		return "permfailed"
	default:
		return "invalid"
	}
}

const (
	reconnectIntervalUnit = 500 * 1000
	maxReconnectInterval  = (30 * 1000 * 1000) / reconnectIntervalUnit
	maxReconnectAttempts  = 10
)

// schedMsg is a node in a remote's time-ordered scheduled-message list.
type schedMsg struct {
	msg  *proto.Message
	next *schedMsg
}

// Remote is the runtime side of one configured peer: its connection state,
// transport subprocess, message channel, scheduled outbound messages, and
// edge-event history. All fields are owned by the event-loop goroutine.
type Remote struct {
	def *config.Remote
	idx int

	state         State
	ch            *msgchan.Channel
	cmd           *exec.Cmd
	connID        string
	failCount     int
	nextReconnect uint64
	scheduled     *schedMsg
	edges         edge.State
}

// Alias returns the remote's configured short name.
func (r *Remote) Alias() string { return r.def.Alias }

// State returns the remote's current connection state.
func (r *Remote) State() State { return r.state }

// live reports whether the remote can currently send or receive messages.
func (r *Remote) live() bool {
	return r.state == StateConnected || r.state == StateSettingUp
}

// sshArgv builds the transport command line for the remote: batch mode and
// keepalives first, then the optional overrides, then hostname and the
// command to run on the far side.
func sshArgv(cfg config.SSHConfig, hostname string) []string {
	shell := cfg.RemoteShell
	if shell == "" {
		shell = "ssh"
	}
	argv := []string{
		shell,
		"-oBatchMode=yes",
		"-oServerAliveInterval=2",
		"-oServerAliveCountMax=3",
	}
	if cfg.Port != 0 {
		argv = append(argv, "-p", fmt.Sprintf("%d", cfg.Port))
	}
	if cfg.BindAddr != "" {
		argv = append(argv, "-b", cfg.BindAddr)
	}
	if cfg.IdentityFile != "" {
		argv = append(argv, "-oIdentitiesOnly=yes", "-i", cfg.IdentityFile)
	}
	if cfg.Username != "" {
		argv = append(argv, "-l", cfg.Username)
	}
	argv = append(argv, hostname)

	remoteCmd := cfg.RemoteCmd
	if remoteCmd == "" {
		remoteCmd = filepath.Base(os.Args[0])
	}
	return append(argv, remoteCmd)
}

// setupRemote spawns the remote's transport subprocess on a socketpair and
// sends the SETUP handshake. The child gets one socket end as its
// stdin/stdout; the parent end becomes the message channel.
func (m *Master) setupRemote(r *Remote) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("master: socketpair: %w", err)
	}

	childEnd := os.NewFile(uintptr(fds[1]), "remote-socket")
	argv := sshArgv(m.cfg.SSHFor(r.def), r.def.Hostname)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = childEnd
	cmd.Stdout = childEnd
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		childEnd.Close()
		unix.Close(fds[0])
		return fmt.Errorf("master: spawn transport for '%s': %w", r.def.Alias, err)
	}
	childEnd.Close()

	unix.SetNonblock(fds[0], true)
	unix.CloseOnExec(fds[0])

	r.cmd = cmd
	r.ch = msgchan.New(fds[0], fds[0])
	r.state = StateSettingUp
	r.connID = uuid.NewString()
	log.Printf("Master: remote '%s' setting up, connection %s", r.def.Alias, r.connID)

	setup := &proto.Message{
		Type:     proto.MsgSetup,
		ProtVers: proto.ProtVersion,
		Extra:    proto.FlattenParams(r.def.Params),
	}
	m.enqueue(r, setup)
	m.notifyStatus()
	return nil
}

// enqueue adds msg to the remote's outbound buffer; a full backlog fails the
// remote. The channel is nil mid-teardown, when a failing focused remote
// hands focus back to the master; messages to it are dropped.
func (m *Master) enqueue(r *Remote, msg *proto.Message) {
	if r.ch == nil {
		return
	}
	if err := r.ch.Enqueue(msg); err != nil {
		m.fail(r, "send backlog exceeded")
	}
}

// scheduleMessage inserts msg into the remote's scheduled queue, sorted by
// send time with FIFO order among equal timestamps.
func (m *Master) scheduleMessage(r *Remote, msg *proto.Message) {
	node := &schedMsg{msg: msg}

	prevnext := &r.scheduled
	for s := r.scheduled; s != nil; prevnext, s = &s.next, s.next {
		if msg.SendTime < s.msg.SendTime {
			break
		}
	}
	node.next = *prevnext
	*prevnext = node
}

// flushScheduled moves every scheduled message due at or before now into the
// outbound buffer. Enqueue may fail the remote mid-flush, so liveness is
// rechecked each step.
func (m *Master) flushScheduled(r *Remote, now uint64) {
	for r.live() && r.scheduled != nil && r.scheduled.msg.SendTime <= now {
		msg := r.scheduled.msg
		r.scheduled = r.scheduled.next
		m.enqueue(r, msg)
	}
}

// disconnect tears the remote's transport down: channel closed, scheduled
// messages dropped, subprocess killed and reaped. Focus returns to the
// master if it was on this remote.
//
// SIGKILL rather than SIGTERM: ssh has been seen blocking for long periods
// with SIGTERM ignored under certain connection-failure conditions, which
// would stall the reap.
func (m *Master) disconnect(r *Remote) {
	if r.ch != nil {
		r.ch.Close()
		r.ch = nil
	}
	r.scheduled = nil
	r.connID = ""

	if r.cmd != nil {
		if err := r.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			log.Printf("Master: failed to kill transport for '%s': %v", r.def.Alias, err)
		}
		if err := r.cmd.Wait(); err != nil {
			if _, exited := err.(*exec.ExitError); !exited {
				log.Printf("Master: wait on transport for '%s': %v", r.def.Alias, err)
			}
		}
		r.cmd = nil
	}

	if m.focus == r.idx {
		m.focusMaster()
	}
}

// fail disconnects the remote and arranges its future: exponential-backoff
// reconnect, or permanent failure once the attempt limit is exceeded.
func (m *Master) fail(r *Remote, reason string) {
	log.Printf("Master: disconnecting remote '%s' (connection %s): %s", r.def.Alias, r.connID, reason)
	m.disconnect(r)
	r.failCount++

	if r.failCount > maxReconnectAttempts {
		log.Printf("Master: remote '%s' exceeds failure limits, permfailing", r.def.Alias)
		r.state = StatePermFailed
		m.notifyStatus()
		return
	}

	r.state = StateFailed

	// 0.5s, 1s, 2s, 4s, 8s... capped at maxReconnectInterval units.
	lshift := uint(r.failCount - 1)
	if lshift > 63 {
		lshift = 63
	}
	units := uint64(1) << lshift
	if units > maxReconnectInterval {
		units = maxReconnectInterval
	}
	r.nextReconnect = m.clock.Now() + units*reconnectIntervalUnit
	m.notifyStatus()
}

// reconnectAll clears permanent failures and failure counters and makes
// every remote eligible for immediate reconnection.
func (m *Master) reconnectAll() {
	now := m.clock.Now()
	for _, r := range m.remotes {
		if r.state == StatePermFailed {
			r.state = StateFailed
		}
		r.failCount = 0
		r.nextReconnect = now
	}
	m.notifyStatus()
}
