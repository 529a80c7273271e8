package master

// RemoteStatus is one remote's externally visible state.
type RemoteStatus struct {
	Alias     string `json:"alias"`
	Hostname  string `json:"hostname"`
	State     string `json:"state"`
	ConnID    string `json:"connId,omitempty"`
	FailCount int    `json:"failCount"`
}

// Status is a point-in-time snapshot of the whole topology, safe to hand to
// other goroutines.
type Status struct {
	Focused string         `json:"focused"`
	Remotes []RemoteStatus `json:"remotes"`
}

// snapshot builds a Status from loop-owned state; loop goroutine only.
func (m *Master) snapshot() Status {
	st := Status{Focused: "master"}
	if m.focus != focusMasterIdx {
		st.Focused = m.remotes[m.focus].def.Alias
	}
	for _, r := range m.remotes {
		st.Remotes = append(st.Remotes, RemoteStatus{
			Alias:     r.def.Alias,
			Hostname:  r.def.Hostname,
			State:     r.state.String(),
			ConnID:    r.connID,
			FailCount: r.failCount,
		})
	}
	return st
}

// notifyStatus publishes a fresh snapshot to every watcher. A watcher that
// has not drained its previous update just gets the newest one later; no
// update blocks the loop.
func (m *Master) notifyStatus() {
	st := m.snapshot()

	m.statusMu.Lock()
	m.status = st
	for _, ch := range m.watchers {
		select {
		case ch <- st:
		default:
			// Replace the undrained update with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
	m.statusMu.Unlock()
}

// Current returns the latest published snapshot. Safe to call from any
// goroutine.
func (m *Master) Current() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// Watch returns the latest snapshot and a channel carrying future updates.
// Safe to call from any goroutine.
func (m *Master) Watch() (Status, <-chan Status) {
	ch := make(chan Status, 1)

	m.statusMu.Lock()
	st := m.status
	m.watchers = append(m.watchers, ch)
	m.statusMu.Unlock()

	return st, ch
}
