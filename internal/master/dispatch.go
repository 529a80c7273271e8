package master

import (
	"log"
	"strings"

	"kvmux/internal/config"
	"kvmux/internal/proto"
)

// handleMessage dispatches one decoded message from a remote. Unexpected
// types and protocol violations fail the sender; nothing here propagates
// beyond that remote.
func (m *Master) handleMessage(r *Remote, msg *proto.Message) {
	switch msg.Type {
	case proto.MsgReady:
		if r.state != StateSettingUp {
			m.fail(r, "unexpected READY message")
			return
		}
		r.state = StateConnected
		r.failCount = 0
		log.Printf("Master: remote '%s' becomes ready", r.def.Alias)
		if m.cfg.FocusHint.Type == config.HintDimInactive {
			m.transitionBrightness(r.idx, 1.0, m.cfg.FocusHint.Brightness,
				m.cfg.FocusHint.Duration, m.cfg.FocusHint.FadeSteps)
		}
		m.notifyStatus()

	case proto.MsgSetClipboard:
		if r.state != StateConnected {
			log.Printf("Master: got unexpected SETCLIPBOARD from non-connected remote '%s', ignoring", r.def.Alias)
			return
		}
		m.drv.SetClipboard(string(msg.Extra))
		if m.focus != focusMasterIdx {
			m.enqueue(m.remotes[m.focus], &proto.Message{
				Type:  proto.MsgSetClipboard,
				Extra: []byte(m.drv.ClipboardText()),
			})
		}

	case proto.MsgLogMsg:
		log.Printf("%s: %s", r.def.Alias, strings.TrimRight(string(msg.Extra), "\n"))

	case proto.MsgEdgeMaskChange:
		if msg.OldMask&^proto.AllDirsMask != 0 || msg.NewMask&^proto.AllDirsMask != 0 {
			m.fail(r, "invalid edge mask")
			return
		}
		m.detector.MaskChange(&r.edges, r.def.Alias, msg.OldMask, msg.NewMask, msg.X, msg.Y)

	default:
		m.fail(r, "unexpected message type")
	}
}

// readRemote receives and dispatches at most one message from the remote.
func (m *Master) readRemote(r *Remote) {
	msg, err := r.ch.TryRecv()
	if err != nil {
		m.fail(r, "failed to receive valid message")
		return
	}
	if msg == nil {
		return
	}
	m.handleMessage(r, msg)
}

// writeRemote flushes pending outbound bytes; a fatal write error fails the
// remote.
func (m *Master) writeRemote(r *Remote) {
	if _, err := r.ch.TrySend(); err != nil {
		m.fail(r, "failed to send message")
	}
}
