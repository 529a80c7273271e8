package master

import (
	"testing"

	"golang.org/x/sys/unix"

	"kvmux/internal/config"
	"kvmux/internal/msgchan"
	"kvmux/internal/platform"
	"kvmux/internal/proto"
)

type fakeClock struct {
	now uint64
}

func (c *fakeClock) Now() uint64 { return c.now }

func newTestMaster(t *testing.T, cfgText string) (*Master, *platform.Noop, *fakeClock) {
	t.Helper()

	cfg, err := config.Parse(cfgText)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	drv := platform.NewNoop()
	clk := &fakeClock{now: 1000 * 1000}
	m, err := New(cfg, drv, clk)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		for _, r := range m.remotes {
			if r.ch != nil {
				r.ch.Close()
				r.ch = nil
			}
		}
		m.closeFDs()
		drv.Close()
	})
	return m, drv, clk
}

// connect wires a remote up over an in-test socketpair and marks it
// connected, returning the peer end for message inspection.
func connect(t *testing.T, m *Master, idx int) *msgchan.Channel {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}

	r := m.remotes[idx]
	r.ch = msgchan.New(fds[0], fds[0])
	r.state = StateConnected

	peer := msgchan.New(fds[1], fds[1])
	t.Cleanup(peer.Close)
	return peer
}

// drain flushes the remote's outbound buffer and collects everything the
// peer can decode.
func drain(t *testing.T, r *Remote, peer *msgchan.Channel) []*proto.Message {
	t.Helper()

	if r.ch != nil && r.ch.HasOutbound() {
		if _, err := r.ch.TrySend(); err != nil {
			t.Fatalf("TrySend failed: %v", err)
		}
	}

	var msgs []*proto.Message
	for {
		msg, err := peer.TryRecv()
		if err != nil || msg == nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

const oneRemote = `
[master]
right = "box"

[[remote]]
alias = "box"
hostname = "box.example.com"
left = "master"
`

const twoRemotes = `
[master]
right = "boxa"

[[remote]]
alias = "boxa"
hostname = "a.example.com"
left = "master"
right = "boxb"

[[remote]]
alias = "boxb"
hostname = "b.example.com"
left = "boxa"
`

// TestBackoffSequence tests the reconnect interval progression and the
// permanent-failure cutoff
func TestBackoffSequence(t *testing.T) {
	m, _, clk := newTestMaster(t, oneRemote)
	r := m.remotes[0]

	wantDelays := []uint64{
		500 * 1000, 1000 * 1000, 2000 * 1000, 4000 * 1000,
		8000 * 1000, 16000 * 1000, 30000 * 1000, 30000 * 1000,
		30000 * 1000, 30000 * 1000,
	}
	for i, want := range wantDelays {
		m.fail(r, "test")
		if r.state != StateFailed {
			t.Fatalf("Expected StateFailed after failure #%d, got %s", i+1, r.state)
		}
		if got := r.nextReconnect - clk.now; got != want {
			t.Errorf("Failure #%d: expected reconnect delay %d, got %d", i+1, want, got)
		}
	}

	m.fail(r, "test")
	if r.state != StatePermFailed {
		t.Errorf("Expected StatePermFailed after failure #11, got %s", r.state)
	}
}

// TestReconnectAllResets tests that a reconnect action revives even
// permanently failed remotes
func TestReconnectAllResets(t *testing.T) {
	m, _, clk := newTestMaster(t, oneRemote)
	r := m.remotes[0]

	for i := 0; i < 11; i++ {
		m.fail(r, "test")
	}
	if r.state != StatePermFailed {
		t.Fatalf("Expected StatePermFailed, got %s", r.state)
	}

	clk.now += 5 * 1000 * 1000
	m.reconnectAll()

	if r.state != StateFailed {
		t.Errorf("Expected StateFailed after reconnect, got %s", r.state)
	}
	if r.failCount != 0 {
		t.Errorf("Expected failure count reset, got %d", r.failCount)
	}
	if r.nextReconnect != clk.now {
		t.Errorf("Expected immediate reconnect eligibility, got %d vs now %d",
			r.nextReconnect, clk.now)
	}
}

// TestFocusSwitchToRemote tests grab, warp, clipboard push, and modifier
// transfer on a master-to-remote switch
func TestFocusSwitchToRemote(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote)
	peer := connect(t, m, 0)

	drv.SetMousePos(platform.Point{X: 100, Y: 200})
	drv.SetClipboard("shared text")
	drv.SetModifiers([]proto.Keycode{proto.KeyShiftL})

	if !m.focusNode(config.RemoteRef(0), drv.CurrentModifiers(), false) {
		t.Fatal("Expected focus switch to succeed")
	}
	if m.focus != 0 {
		t.Errorf("Expected focus on remote 0, got %d", m.focus)
	}
	if !drv.Grabbed() {
		t.Error("Expected inputs grabbed while a remote is focused")
	}
	if drv.MousePos() != drv.ScreenCenter() {
		t.Errorf("Expected pointer parked at screen center, got %v", drv.MousePos())
	}

	msgs := drain(t, m.remotes[0], peer)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != proto.MsgSetClipboard || string(msgs[0].Extra) != "shared text" {
		t.Errorf("Expected clipboard push first, got %s %q", msgs[0].Type, msgs[0].Extra)
	}
	if msgs[1].Type != proto.MsgKeyEvent || msgs[1].Keycode != proto.KeyShiftL ||
		msgs[1].PressRel != proto.Press {
		t.Errorf("Expected shift press, got %s %d %s",
			msgs[1].Type, msgs[1].Keycode, msgs[1].PressRel)
	}
}

// TestFocusReturnToMaster tests ungrab, pointer restore, clipboard pull,
// and modifier release on the way back
func TestFocusReturnToMaster(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote)
	peer := connect(t, m, 0)

	drv.SetMousePos(platform.Point{X: 100, Y: 200})
	drv.SetModifiers([]proto.Keycode{proto.KeyCtrlL})
	m.focusNode(config.RemoteRef(0), drv.CurrentModifiers(), false)
	drain(t, m.remotes[0], peer)

	if !m.focusNode(config.MasterRef(), drv.CurrentModifiers(), false) {
		t.Fatal("Expected focus switch back to succeed")
	}
	if m.focus != focusMasterIdx {
		t.Errorf("Expected focus on master, got %d", m.focus)
	}
	if drv.Grabbed() {
		t.Error("Expected inputs released after returning to master")
	}
	if got := drv.MousePos(); got != (platform.Point{X: 100, Y: 200}) {
		t.Errorf("Expected pointer restored to (100, 200), got %v", got)
	}

	msgs := drain(t, m.remotes[0], peer)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != proto.MsgGetClipboard {
		t.Errorf("Expected clipboard request first, got %s", msgs[0].Type)
	}
	if msgs[1].Type != proto.MsgKeyEvent || msgs[1].PressRel != proto.Release {
		t.Errorf("Expected ctrl release, got %s %s", msgs[1].Type, msgs[1].PressRel)
	}
}

// TestFocusUnconnectedRemote tests that focus never lands on a dead remote
func TestFocusUnconnectedRemote(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote)

	if m.focusNode(config.RemoteRef(0), nil, false) {
		t.Error("Expected switch to unconnected remote to fail")
	}
	if m.focus != focusMasterIdx {
		t.Errorf("Expected focus to stay on master, got %d", m.focus)
	}
	if drv.Grabbed() {
		t.Error("Expected no grab after a refused switch")
	}
}

// TestFocusReturnsOnFailure tests that a failing focused remote pushes
// focus back to the master
func TestFocusReturnsOnFailure(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote)
	connect(t, m, 0)

	drv.SetMousePos(platform.Point{X: 33, Y: 44})
	m.focusNode(config.RemoteRef(0), nil, false)
	if m.focus != 0 {
		t.Fatalf("Expected focus on remote 0, got %d", m.focus)
	}

	m.fail(m.remotes[0], "test")

	if m.focus != focusMasterIdx {
		t.Errorf("Expected focus back on master, got %d", m.focus)
	}
	if drv.Grabbed() {
		t.Error("Expected inputs released after the remote failed")
	}
	if got := drv.MousePos(); got != (platform.Point{X: 33, Y: 44}) {
		t.Errorf("Expected pointer restored to (33, 44), got %v", got)
	}
}

// TestReadyTransition tests the SETTINGUP to CONNECTED transition
func TestReadyTransition(t *testing.T) {
	m, _, _ := newTestMaster(t, oneRemote)
	connect(t, m, 0)
	r := m.remotes[0]
	r.state = StateSettingUp
	r.failCount = 3

	m.handleMessage(r, &proto.Message{Type: proto.MsgReady})

	if r.state != StateConnected {
		t.Errorf("Expected StateConnected, got %s", r.state)
	}
	if r.failCount != 0 {
		t.Errorf("Expected failure count reset, got %d", r.failCount)
	}
}

// TestReadyWhileConnected tests that a duplicate READY fails the sender
func TestReadyWhileConnected(t *testing.T) {
	m, _, _ := newTestMaster(t, oneRemote)
	connect(t, m, 0)
	r := m.remotes[0]

	m.handleMessage(r, &proto.Message{Type: proto.MsgReady})

	if r.state != StateFailed {
		t.Errorf("Expected StateFailed after READY while connected, got %s", r.state)
	}
}

// TestReadyDimInactiveFade tests that a freshly ready remote is faded down
// to the inactive brightness
func TestReadyDimInactiveFade(t *testing.T) {
	m, _, clk := newTestMaster(t, oneRemote+`
[focushint]
type = "dim-inactive"
brightness = 0.3
duration_ms = 300
fade_steps = 6
`)
	peer := connect(t, m, 0)
	r := m.remotes[0]
	r.state = StateSettingUp

	m.handleMessage(r, &proto.Message{Type: proto.MsgReady})

	msgs := drain(t, r, peer)
	if len(msgs) != 1 || msgs[0].Type != proto.MsgSetBrightness {
		t.Fatalf("Expected one immediate SETBRIGHTNESS, got %d messages", len(msgs))
	}
	if msgs[0].Brightness != 1.0 {
		t.Errorf("Expected fade to start at 1.0, got %v", msgs[0].Brightness)
	}

	var scheduled []*proto.Message
	for s := r.scheduled; s != nil; s = s.next {
		scheduled = append(scheduled, s.msg)
	}
	if len(scheduled) != 6 {
		t.Fatalf("Expected 6 scheduled fade steps, got %d", len(scheduled))
	}
	prev := clk.now
	for i, msg := range scheduled {
		if msg.Type != proto.MsgSetBrightness {
			t.Errorf("Step %d: expected SETBRIGHTNESS, got %s", i, msg.Type)
		}
		if msg.SendTime <= prev {
			t.Errorf("Step %d: expected increasing send times, got %d after %d",
				i, msg.SendTime, prev)
		}
		prev = msg.SendTime
	}
	last := scheduled[len(scheduled)-1]
	if last.SendTime != clk.now+300*1000 {
		t.Errorf("Expected final step at +300ms, got +%dus", last.SendTime-clk.now)
	}
	if last.Brightness != 0.3 {
		t.Errorf("Expected final brightness 0.3, got %v", last.Brightness)
	}

	clk.now += 300 * 1000
	m.flushScheduled(r, clk.now)
	if r.scheduled != nil {
		t.Error("Expected scheduled queue drained")
	}
	if got := drain(t, r, peer); len(got) != 6 {
		t.Errorf("Expected 6 flushed messages, got %d", len(got))
	}
}

// TestClipboardRelay tests that a departing remote's clipboard reply is
// applied locally and forwarded to the newly focused remote
func TestClipboardRelay(t *testing.T) {
	m, drv, _ := newTestMaster(t, twoRemotes)
	peerA := connect(t, m, 0)
	peerB := connect(t, m, 1)

	m.focusNode(config.RemoteRef(0), nil, false)
	drain(t, m.remotes[0], peerA)
	m.focusNode(config.RemoteRef(1), nil, false)
	drain(t, m.remotes[0], peerA)
	drain(t, m.remotes[1], peerB)

	m.handleMessage(m.remotes[0], &proto.Message{
		Type:  proto.MsgSetClipboard,
		Extra: []byte("copied on boxa"),
	})

	if drv.ClipboardText() != "copied on boxa" {
		t.Errorf("Expected local clipboard updated, got %q", drv.ClipboardText())
	}

	msgs := drain(t, m.remotes[1], peerB)
	if len(msgs) != 1 || msgs[0].Type != proto.MsgSetClipboard {
		t.Fatalf("Expected forwarded SETCLIPBOARD, got %d messages", len(msgs))
	}
	if string(msgs[0].Extra) != "copied on boxa" {
		t.Errorf("Expected forwarded contents, got %q", msgs[0].Extra)
	}
}

// TestClipboardFromUnconnectedIgnored tests that SETCLIPBOARD outside
// CONNECTED is dropped without side effects
func TestClipboardFromUnconnectedIgnored(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote)
	connect(t, m, 0)
	r := m.remotes[0]
	r.state = StateSettingUp

	drv.SetClipboard("before")
	m.handleMessage(r, &proto.Message{
		Type:  proto.MsgSetClipboard,
		Extra: []byte("sneaky"),
	})

	if drv.ClipboardText() != "before" {
		t.Errorf("Expected clipboard untouched, got %q", drv.ClipboardText())
	}
	if r.state != StateSettingUp {
		t.Errorf("Expected state unchanged, got %s", r.state)
	}
}

// TestInvalidEdgeMaskFails tests the protocol gate on edge masks
func TestInvalidEdgeMaskFails(t *testing.T) {
	m, _, _ := newTestMaster(t, oneRemote)
	connect(t, m, 0)
	r := m.remotes[0]

	m.handleMessage(r, &proto.Message{
		Type:    proto.MsgEdgeMaskChange,
		NewMask: 1 << 7,
	})

	if r.state != StateFailed {
		t.Errorf("Expected StateFailed on invalid mask, got %s", r.state)
	}
}

// TestUnexpectedTypeFails tests that master-only messages fail the sender
func TestUnexpectedTypeFails(t *testing.T) {
	m, _, _ := newTestMaster(t, oneRemote)
	connect(t, m, 0)
	r := m.remotes[0]

	m.handleMessage(r, &proto.Message{Type: proto.MsgKeyEvent})

	if r.state != StateFailed {
		t.Errorf("Expected StateFailed on unexpected type, got %s", r.state)
	}
}

// TestEdgeDoubleTapSwitches tests the full path from edge events on the
// master's display to a repositioned pointer on the neighbor
func TestEdgeDoubleTapSwitches(t *testing.T) {
	m, _, clk := newTestMaster(t, oneRemote+`
[mouseswitch]
type = "multitap"
taps = 2
window_ms = 400
`)
	peer := connect(t, m, 0)

	right := proto.Right.Mask()
	m.edgeCallback(0, right, 1.0, 0.5)
	clk.now += 50 * 1000
	m.edgeCallback(right, 0, 1.0, 0.5)
	clk.now += 150 * 1000
	m.edgeCallback(0, right, 1.0, 0.5)

	if m.focus != 0 {
		t.Fatalf("Expected focus on remote 0 after double tap, got %d", m.focus)
	}

	msgs := drain(t, m.remotes[0], peer)
	if len(msgs) == 0 {
		t.Fatal("Expected messages after edge switch")
	}
	last := msgs[len(msgs)-1]
	if last.Type != proto.MsgSetMousePosScreenRel {
		t.Fatalf("Expected trailing reposition, got %s", last.Type)
	}
	if last.X != 0.0 || last.Y != 0.5 {
		t.Errorf("Expected pointer at opposite edge (0, 0.5), got (%v, %v)", last.X, last.Y)
	}
}

// TestEdgeSlowTapsNoSwitch tests that taps outside the window do nothing
func TestEdgeSlowTapsNoSwitch(t *testing.T) {
	m, _, clk := newTestMaster(t, oneRemote+`
[mouseswitch]
type = "multitap"
taps = 2
window_ms = 100
`)
	connect(t, m, 0)

	right := proto.Right.Mask()
	m.edgeCallback(0, right, 1.0, 0.5)
	clk.now += 50 * 1000
	m.edgeCallback(right, 0, 1.0, 0.5)
	clk.now += 150 * 1000
	m.edgeCallback(0, right, 1.0, 0.5)

	if m.focus != focusMasterIdx {
		t.Errorf("Expected focus unchanged, got %d", m.focus)
	}
}

// TestHotkeyQuit tests that a bound quit combination stops the loop
func TestHotkeyQuit(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote+`
[hotkeys]
"ctrl+alt+q" = "quit"
`)

	drv.FireHotkey("CTRL+ALT+Q", nil)

	if !m.quit {
		t.Error("Expected quit flag set after hotkey")
	}
}

// TestHotkeySwitch tests directional hotkey switching
func TestHotkeySwitch(t *testing.T) {
	m, drv, _ := newTestMaster(t, oneRemote+`
[hotkeys]
"ctrl+alt+right" = "switch right"
`)
	connect(t, m, 0)

	drv.FireHotkey("CTRL+ALT+RIGHT", nil)

	if m.focus != 0 {
		t.Errorf("Expected focus on remote 0, got %d", m.focus)
	}
}

// TestScheduleMessageOrdering tests sorted insertion with FIFO ties
func TestScheduleMessageOrdering(t *testing.T) {
	m, _, _ := newTestMaster(t, oneRemote)
	r := m.remotes[0]

	add := func(at uint64, b float32) {
		m.scheduleMessage(r, &proto.Message{
			Type:       proto.MsgSetBrightness,
			Brightness: b,
			SendTime:   at,
		})
	}
	add(300, 3)
	add(100, 1)
	add(200, 21)
	add(200, 22)

	var got []float32
	for s := r.scheduled; s != nil; s = s.next {
		got = append(got, s.msg.Brightness)
	}
	want := []float32{1, 21, 22, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d scheduled messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

// TestStatusSnapshot tests the published status view
func TestStatusSnapshot(t *testing.T) {
	m, _, _ := newTestMaster(t, twoRemotes)
	connect(t, m, 0)

	m.focusNode(config.RemoteRef(0), nil, false)

	st := m.Current()
	if st.Focused != "boxa" {
		t.Errorf("Expected focused 'boxa', got %q", st.Focused)
	}
	if len(st.Remotes) != 2 {
		t.Fatalf("Expected 2 remotes, got %d", len(st.Remotes))
	}
	if st.Remotes[0].State != "connected" {
		t.Errorf("Expected boxa connected, got %q", st.Remotes[0].State)
	}
	if st.Remotes[1].State != "setting-up" {
		t.Errorf("Expected boxb setting-up, got %q", st.Remotes[1].State)
	}
}

// TestWatchDeliversUpdates tests the watcher channel
func TestWatchDeliversUpdates(t *testing.T) {
	m, _, _ := newTestMaster(t, oneRemote)

	st, updates := m.Watch()
	if st.Focused != "master" {
		t.Errorf("Expected initial focus 'master', got %q", st.Focused)
	}

	m.fail(m.remotes[0], "test")

	select {
	case st := <-updates:
		if st.Remotes[0].State != "failed" {
			t.Errorf("Expected failed state in update, got %q", st.Remotes[0].State)
		}
	default:
		t.Error("Expected a status update after failure")
	}
}

// TestSSHArgv tests the transport command line
func TestSSHArgv(t *testing.T) {
	argv := sshArgv(config.SSHConfig{
		Port:         2222,
		IdentityFile: "/home/me/.ssh/id_kvm",
		Username:     "me",
		RemoteCmd:    "kvmux",
	}, "box.example.com")

	want := []string{
		"ssh",
		"-oBatchMode=yes",
		"-oServerAliveInterval=2",
		"-oServerAliveCountMax=3",
		"-p", "2222",
		"-oIdentitiesOnly=yes", "-i", "/home/me/.ssh/id_kvm",
		"-l", "me",
		"box.example.com",
		"kvmux",
	}
	if len(argv) != len(want) {
		t.Fatalf("Expected %d args, got %d: %v", len(want), len(argv), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("Arg %d: expected %q, got %q", i, want[i], argv[i])
		}
	}
}

// TestNextDeadlineAggregation tests the loop's timeout sources
func TestNextDeadlineAggregation(t *testing.T) {
	m, _, clk := newTestMaster(t, oneRemote)

	if _, ok := m.nextDeadline(); ok {
		t.Error("Expected no deadline on a quiet master")
	}

	m.fail(m.remotes[0], "test")
	dl, ok := m.nextDeadline()
	if !ok || dl != clk.now+500*1000 {
		t.Errorf("Expected reconnect deadline at +500ms, got %d (ok=%v)", dl, ok)
	}
}
