package master

import (
	"log"

	"kvmux/internal/config"
	"kvmux/internal/edge"
	"kvmux/internal/proto"
)

// focusNode switches focus to the node referenced by target. It returns
// true only on a real switch; switching to the already-focused node is a
// state no-op, though the visual hint may still be shown depending on the
// show-nullswitch policy.
func (m *Master) focusNode(target config.NodeRef, modkeys []proto.Keycode, fromHotkey bool) bool {
	var switchTo int

	switch target.Kind() {
	case config.NodeNone:
		switchTo = m.focus

	case config.NodeMaster:
		switchTo = focusMasterIdx

	case config.NodeRemote:
		switchTo = target.RemoteIndex()
		r := m.remotes[switchTo]
		if r.state != StateConnected {
			log.Printf("Master: remote '%s' not connected, can't focus", r.def.Alias)
			return false
		}

	default:
		log.Printf("Master: unexpected neighbor type %d", target.Kind())
		return false
	}

	if switchTo != m.focus ||
		m.cfg.ShowNullSwitch == config.NullSwitchAlways ||
		(m.cfg.ShowNullSwitch == config.NullSwitchHotkeyOnly && fromHotkey) {
		m.indicateSwitch(m.focus, switchTo)
	}

	if switchTo == m.focus {
		return false
	}

	if m.focus != focusMasterIdx && switchTo == focusMasterIdx {
		m.drv.UngrabInputs()
		m.drv.SetMousePos(m.savedMasterPos)
	} else if m.focus == focusMasterIdx && switchTo != focusMasterIdx {
		m.savedMasterPos = m.drv.MousePos()
		m.drv.GrabInputs()
	}

	if switchTo != focusMasterIdx {
		m.drv.SetMousePos(m.drv.ScreenCenter())
	}

	m.transferClipboard(m.focus, switchTo)
	m.transferModifiers(m.focus, switchTo, modkeys)

	m.focus = switchTo
	m.notifyStatus()
	return true
}

// focusMaster returns focus to the master, used when the focused remote
// fails.
func (m *Master) focusMaster() {
	m.focusNode(config.MasterRef(), m.drv.CurrentModifiers(), false)
}

// focusNeighbor follows the focused node's neighbor slot in the given
// direction.
func (m *Master) focusNeighbor(dir proto.Direction, modkeys []proto.Keycode, fromHotkey bool) bool {
	var n config.NodeRef
	if m.focus != focusMasterIdx {
		n = m.remotes[m.focus].def.Neighbors[dir]
	} else {
		n = m.cfg.MasterNeighbors[dir]
	}
	return m.focusNode(n, modkeys, fromHotkey)
}

// transferClipboard moves clipboard contents across a focus boundary. A
// departing remote is asked for its clipboard (the SETCLIPBOARD response
// arrives asynchronously); an arriving remote gets the master's current
// clipboard pushed to it.
func (m *Master) transferClipboard(from, to int) {
	if from == focusMasterIdx && to == focusMasterIdx {
		log.Printf("Master: switching from master to master??")
		return
	}

	if from != focusMasterIdx {
		m.enqueue(m.remotes[from], &proto.Message{Type: proto.MsgGetClipboard})
	} else if to != focusMasterIdx {
		m.enqueue(m.remotes[to], &proto.Message{
			Type:  proto.MsgSetClipboard,
			Extra: []byte(m.drv.ClipboardText()),
		})
	}
}

// transferModifiers releases every held modifier on the departing remote
// and presses it on the arriving remote, so no key appears held on both
// sides of a switch.
func (m *Master) transferModifiers(from, to int, modkeys []proto.Keycode) {
	if from != focusMasterIdx {
		r := m.remotes[from]
		for _, kc := range modkeys {
			m.enqueue(r, &proto.Message{
				Type:     proto.MsgKeyEvent,
				Keycode:  kc,
				PressRel: proto.Release,
			})
		}
	}
	if to != focusMasterIdx {
		r := m.remotes[to]
		for _, kc := range modkeys {
			m.enqueue(r, &proto.Message{
				Type:     proto.MsgKeyEvent,
				Keycode:  kc,
				PressRel: proto.Press,
			})
		}
	}
}

// setNodeBrightness applies a brightness level immediately, locally for the
// master or via a SETBRIGHTNESS message for a remote.
func (m *Master) setNodeBrightness(node int, level float32) {
	if node == focusMasterIdx {
		m.drv.SetDisplayBrightness(level)
	} else {
		m.enqueue(m.remotes[node], &proto.Message{
			Type:       proto.MsgSetBrightness,
			Brightness: level,
		})
	}
}

// scheduleBrightnessChange arranges a brightness level to take effect at a
// future time: a scheduled call for the master, a scheduled message for a
// remote.
func (m *Master) scheduleBrightnessChange(node int, level float32, when uint64) {
	if node == focusMasterIdx {
		m.sch.Schedule(func(arg interface{}) {
			m.drv.SetDisplayBrightness(arg.(float32))
		}, level, when)
	} else {
		m.scheduleMessage(m.remotes[node], &proto.Message{
			Type:       proto.MsgSetBrightness,
			Brightness: level,
			SendTime:   when,
		})
	}
}

// transitionBrightness fades a node's display from one level to another in
// equal-duration steps: the starting level is applied immediately, steps-1
// intermediates are scheduled, and the final level lands at full duration.
func (m *Master) transitionBrightness(node int, from, to float32, duration uint64, steps int) {
	now := m.clock.Now()

	m.setNodeBrightness(node, from)
	for i := 1; i < steps; i++ {
		frac := float32(i) / float32(steps)
		when := now + uint64(frac*float32(duration))
		level := from + frac*(to-from)
		m.scheduleBrightnessChange(node, level, when)
	}
	m.scheduleBrightnessChange(node, to, now+duration)
}

// indicateSwitch shows the configured focus hint for a transition between
// two nodes.
func (m *Master) indicateSwitch(from, to int) {
	fh := &m.cfg.FocusHint

	switch fh.Type {
	case config.HintNone:

	case config.HintDimInactive:
		if from != to {
			m.transitionBrightness(from, 1.0, fh.Brightness, fh.Duration, fh.FadeSteps)
		}
		m.transitionBrightness(to, fh.Brightness, 1.0, fh.Duration, fh.FadeSteps)

	case config.HintFlashActive:
		m.transitionBrightness(to, fh.Brightness, 1.0, fh.Duration, fh.FadeSteps)

	default:
		log.Printf("Master: unknown focus hint type %d", fh.Type)
	}
}

// edgeCallback receives edge-mask transitions for the master's own display.
func (m *Master) edgeCallback(oldMask, newMask uint32, x, y float32) {
	m.detector.MaskChange(&m.masterEdges, "master", oldMask, newMask, x, y)
}

// edgeTrigger fires when a multi-tap completes on some node's edge: switch
// to the neighbor in that direction, and on a real switch reposition the
// pointer on the new node for visual continuity.
func (m *Master) edgeTrigger(dir proto.Direction, srcX, srcY float32) {
	modkeys := m.drv.CurrentModifiers()
	if m.focusNeighbor(dir, modkeys, false) {
		m.edgeswitchReposition(dir, srcX, srcY)
	}
}

// edgeswitchReposition places the pointer on the newly focused node at the
// edge opposite the one it left, so the cursor appears to slide from one
// screen onto the next.
func (m *Master) edgeswitchReposition(dir proto.Direction, srcX, srcY float32) {
	x, y := edge.Reposition(dir, srcX, srcY)

	if m.focus != focusMasterIdx {
		m.enqueue(m.remotes[m.focus], &proto.Message{
			Type: proto.MsgSetMousePosScreenRel,
			X:    x,
			Y:    y,
		})
	} else {
		m.drv.SetMousePosScreenRel(x, y)
	}
}
