package master

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// Run spawns every remote and drives the event loop until a QUIT action or
// fatal error. It must be called from exactly one goroutine, which becomes
// the owner of all master state.
func (m *Master) Run() error {
	for _, r := range m.remotes {
		if err := m.setupRemote(r); err != nil {
			m.shutdown()
			return err
		}
	}

	for !m.quit {
		if err := m.iterate(); err != nil {
			m.shutdown()
			return err
		}
	}

	m.shutdown()
	return nil
}

// nextDeadline returns the earliest of: scheduled calls, per-remote
// scheduled messages, and failed remotes' reconnect times.
func (m *Master) nextDeadline() (uint64, bool) {
	best := uint64(math.MaxUint64)

	if dl, ok := m.sch.NextDeadline(); ok && dl < best {
		best = dl
	}
	for _, r := range m.remotes {
		if r.state == StateFailed {
			if r.nextReconnect < best {
				best = r.nextReconnect
			}
		} else if r.live() && r.scheduled != nil && r.scheduled.msg.SendTime < best {
			best = r.scheduled.msg.SendTime
		}
	}
	return best, best != math.MaxUint64
}

// iterate runs one pass of the loop: due timers, reconnects, scheduled
// messages, then one multiplexed wait followed by reads, writes, injected
// commands, and platform events.
func (m *Master) iterate() error {
	now := m.clock.Now()

	m.sch.RunDue(now)

	for _, r := range m.remotes {
		if r.state == StateFailed && r.nextReconnect <= now {
			if err := m.setupRemote(r); err != nil {
				return err
			}
		}
		if r.live() {
			m.flushScheduled(r, now)
		}
	}

	fds := make([]unix.PollFd, 0, len(m.remotes)+2)
	polled := make([]*Remote, 0, len(m.remotes))
	for _, r := range m.remotes {
		if !r.live() {
			continue
		}
		ev := int16(unix.POLLIN)
		if r.ch.HasOutbound() {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(r.ch.RecvFD()), Events: ev})
		polled = append(polled, r)
	}
	platformSlot := len(fds)
	fds = append(fds, unix.PollFd{Fd: int32(m.platformFD), Events: unix.POLLIN})
	wakeSlot := len(fds)
	fds = append(fds, unix.PollFd{Fd: int32(m.wakeR), Events: unix.POLLIN})

	timeout := -1
	if deadline, ok := m.nextDeadline(); ok {
		if deadline <= now {
			timeout = 0
		} else {
			timeout = int((deadline - now) / 1000)
		}
	}

	for {
		if _, err := unix.Poll(fds, timeout); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("master: poll: %w", err)
		}
		break
	}

	for i, r := range polled {
		revents := fds[i].Revents

		if r.live() && revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			m.readRemote(r)
			// One read may buffer several frames; deliver them all
			// before waiting again. Dispatch can fail the remote, so
			// liveness is rechecked each step.
			for r.live() && r.ch.Buffered() {
				m.readRemote(r)
			}
		}

		if r.live() && revents&unix.POLLOUT != 0 {
			m.writeRemote(r)
		}
	}

	if fds[wakeSlot].Revents&unix.POLLIN != 0 {
		m.runPosted()
	}
	if fds[platformSlot].Revents&unix.POLLIN != 0 {
		m.drv.ProcessEvents()
	}

	return nil
}
