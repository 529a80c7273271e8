// Package agent runs the subordinate side of the wire: it replays input
// from the master on the local display and reports edge events, clipboard
// contents, and log lines back.
package agent

import (
	"fmt"
	"io"
	"log"

	"golang.org/x/sys/unix"

	"kvmux/internal/msgchan"
	"kvmux/internal/platform"
	"kvmux/internal/proto"
)

// Agent is the subordinate-mode event loop: messages in on stdin, messages
// out on stdout, local display driven through the platform driver.
type Agent struct {
	drv        platform.Driver
	ch         *msgchan.Channel
	platformFD int
	ready      bool
}

// Run drives subordinate mode until the master closes the connection. The
// process logger is redirected onto the wire for the lifetime of the call,
// since stderr goes nowhere useful on the far end of a shell transport.
func Run(drv platform.Driver) error {
	a := &Agent{drv: drv}

	unix.SetNonblock(unix.Stdin, true)
	unix.SetNonblock(unix.Stdout, true)
	a.ch = msgchan.New(unix.Stdout, unix.Stdin)

	fd, err := drv.Init(a.edgeCallback)
	if err != nil {
		return fmt.Errorf("agent: platform init: %w", err)
	}
	defer drv.Close()
	a.platformFD = fd

	prevOut := log.Writer()
	log.SetOutput(&wireLog{a: a})
	defer log.SetOutput(prevOut)

	for {
		if err := a.iterate(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// wireLog forwards log output as LOGMSG frames so it surfaces in the
// master's log with this host's alias prefixed.
type wireLog struct {
	a *Agent
}

func (w *wireLog) Write(p []byte) (int, error) {
	msg := &proto.Message{Type: proto.MsgLogMsg, Extra: append([]byte(nil), p...)}
	if err := w.a.ch.Enqueue(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// edgeCallback reports the local pointer's edge-mask transitions upstream;
// multi-tap recognition happens on the master.
func (a *Agent) edgeCallback(oldMask, newMask uint32, x, y float32) {
	a.ch.Enqueue(&proto.Message{
		Type:    proto.MsgEdgeMaskChange,
		OldMask: oldMask,
		NewMask: newMask,
		X:       x,
		Y:       y,
	})
}

func (a *Agent) iterate() error {
	fds := []unix.PollFd{
		{Fd: int32(a.ch.RecvFD()), Events: unix.POLLIN},
		{Fd: int32(a.platformFD), Events: unix.POLLIN},
	}
	if a.ch.HasOutbound() {
		fds = append(fds, unix.PollFd{Fd: int32(a.ch.SendFD()), Events: unix.POLLOUT})
	}

	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("agent: poll: %w", err)
		}
		break
	}

	if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		if err := a.readOne(); err != nil {
			return err
		}
		for a.ch.Buffered() {
			if err := a.readOne(); err != nil {
				return err
			}
		}
	}

	if len(fds) > 2 && fds[2].Revents&unix.POLLOUT != 0 {
		if _, err := a.ch.TrySend(); err != nil {
			return err
		}
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		a.drv.ProcessEvents()
	}

	return nil
}

func (a *Agent) readOne() error {
	msg, err := a.ch.TryRecv()
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return a.handleMessage(msg)
}

func (a *Agent) handleMessage(msg *proto.Message) error {
	if !a.ready && msg.Type != proto.MsgSetup {
		return fmt.Errorf("agent: %s before SETUP", msg.Type)
	}

	switch msg.Type {
	case proto.MsgSetup:
		if msg.ProtVers != proto.ProtVersion {
			return fmt.Errorf("agent: protocol version mismatch: master %d, us %d",
				msg.ProtVers, proto.ProtVersion)
		}
		params, err := proto.ParseParams(msg.Extra)
		if err != nil {
			return fmt.Errorf("agent: bad SETUP params: %w", err)
		}
		a.applyParams(params)
		a.ready = true
		return a.ch.Enqueue(&proto.Message{Type: proto.MsgReady})

	case proto.MsgKeyEvent:
		a.drv.DoKeyEvent(msg.Keycode, msg.PressRel)

	case proto.MsgMoveRel:
		a.drv.MoveMousePos(msg.Dx, msg.Dy)

	case proto.MsgClickEvent:
		a.drv.DoClickEvent(msg.Button, msg.PressRel)

	case proto.MsgSetMousePosScreenRel:
		a.drv.SetMousePosScreenRel(msg.X, msg.Y)

	case proto.MsgGetClipboard:
		return a.ch.Enqueue(&proto.Message{
			Type:  proto.MsgSetClipboard,
			Extra: []byte(a.drv.ClipboardText()),
		})

	case proto.MsgSetClipboard:
		a.drv.SetClipboard(string(msg.Extra))

	case proto.MsgSetBrightness:
		a.drv.SetDisplayBrightness(msg.Brightness)

	default:
		log.Printf("unexpected message type %s", msg.Type)
	}

	return nil
}

// applyParams consumes the handshake parameter map. Unknown keys are logged
// and ignored so masters can introduce parameters without breaking older
// agents.
func (a *Agent) applyParams(params map[string]string) {
	for k, v := range params {
		log.Printf("ignoring unknown setup parameter %s=%s", k, v)
	}
}
