// Package tray shows a system-tray indicator of focus and remote health.
package tray

import (
	"fmt"

	"github.com/getlantern/systray"

	"kvmux/internal/master"
)

// Indicator drives the tray icon: one checkable entry per node showing its
// state, plus reconnect-all and quit actions. Focus clicks are posted to
// the master; nothing here touches loop-owned state.
type Indicator struct {
	m      *master.Master
	quitCh chan struct{}

	masterItem  *systray.MenuItem
	remoteItems map[string]*systray.MenuItem
}

// New creates an indicator over the given master.
func New(m *master.Master) *Indicator {
	return &Indicator{
		m:           m,
		quitCh:      make(chan struct{}),
		remoteItems: make(map[string]*systray.MenuItem),
	}
}

// Run starts the tray event loop. It blocks; some platforms require it to
// run on the main goroutine.
func (t *Indicator) Run() {
	systray.Run(t.setup, t.onExit)
}

// Stop tears the tray down and unblocks Run.
func (t *Indicator) Stop() {
	systray.Quit()
}

func (t *Indicator) onExit() {
	close(t.quitCh)
}

func (t *Indicator) setup() {
	systray.SetTitle("kvmux")
	systray.SetTooltip("kvmux input multiplexer")
	systray.SetIcon(icon())

	st, updates := t.m.Watch()

	t.masterItem = systray.AddMenuItemCheckbox("master", "focus the master", true)
	go t.focusOnClick(t.masterItem, "master")

	for _, r := range st.Remotes {
		item := systray.AddMenuItemCheckbox(itemTitle(r), "focus this remote", false)
		t.remoteItems[r.Alias] = item
		go t.focusOnClick(item, r.Alias)
	}

	systray.AddSeparator()
	reconnect := systray.AddMenuItem("Reconnect all", "clear failures and retry every remote")
	quit := systray.AddMenuItem("Quit", "shut the master down")

	go func() {
		for {
			select {
			case st := <-updates:
				t.apply(st)
			case <-reconnect.ClickedCh:
				t.m.Reconnect()
			case <-quit.ClickedCh:
				t.m.Quit()
			case <-t.quitCh:
				return
			}
		}
	}()

	t.apply(st)
}

func (t *Indicator) focusOnClick(item *systray.MenuItem, name string) {
	for {
		select {
		case <-item.ClickedCh:
			t.m.FocusByName(name)
		case <-t.quitCh:
			return
		}
	}
}

// apply syncs menu item titles and check marks with a status snapshot.
func (t *Indicator) apply(st master.Status) {
	if st.Focused == "master" {
		t.masterItem.Check()
	} else {
		t.masterItem.Uncheck()
	}

	for _, r := range st.Remotes {
		item, ok := t.remoteItems[r.Alias]
		if !ok {
			continue
		}
		item.SetTitle(itemTitle(r))
		if r.State == "connected" {
			item.Enable()
		} else {
			item.Disable()
		}
		if st.Focused == r.Alias {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

func itemTitle(r master.RemoteStatus) string {
	return fmt.Sprintf("%s (%s)", r.Alias, r.State)
}

// icon returns a minimal valid 16x16 32-bit ICO, fully transparent.
func icon() []byte {
	ico := make([]byte, 1150)
	copy(ico[0:6], []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00})
	copy(ico[6:22], []byte{
		0x10, 0x10, 0x00, 0x00, 0x01, 0x00, 0x20, 0x00,
		0x68, 0x04, 0x00, 0x00,
		0x16, 0x00, 0x00, 0x00,
	})
	copy(ico[22:62], []byte{
		0x28, 0x00, 0x00, 0x00,
		0x10, 0x00, 0x00, 0x00,
		0x20, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x20, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x04, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	})
	return ico
}
