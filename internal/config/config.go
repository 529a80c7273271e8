// Package config loads and validates the master's topology configuration.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"kvmux/internal/hotkey"
	"kvmux/internal/proto"
)

// FocusHintType selects the visual indication shown on focus changes.
type FocusHintType int

const (
	// HintNone shows nothing.
	HintNone FocusHintType = iota
	// HintDimInactive fades the leaving node down and the arriving node up.
	HintDimInactive
	// HintFlashActive only fades the arriving node up.
	HintFlashActive
)

// NullSwitchPolicy controls whether a switch to the already-focused node
// still shows the focus hint.
type NullSwitchPolicy int

const (
	// NullSwitchNever suppresses the hint on null switches.
	NullSwitchNever NullSwitchPolicy = iota
	// NullSwitchAlways shows the hint on every switch attempt.
	NullSwitchAlways
	// NullSwitchHotkeyOnly shows it only for hotkey-triggered null switches.
	NullSwitchHotkeyOnly
)

// MouseSwitchType selects how edge events trigger focus changes.
type MouseSwitchType int

const (
	// MouseSwitchNone disables edge-triggered switching.
	MouseSwitchNone MouseSwitchType = iota
	// MouseSwitchMultiTap requires Taps rapid edge arrivals within Window.
	MouseSwitchMultiTap
)

// SSHConfig holds transport settings; zero values fall through to the
// global defaults (and ultimately to plain "ssh" / the master's own argv[0]
// as the remote command).
type SSHConfig struct {
	// RemoteShell is the transport binary, default "ssh".
	RemoteShell string `toml:"remoteshell"`

	// Port is the remote sshd port; 0 means the transport's default.
	Port int `toml:"port"`

	// BindAddr is the local address to bind outgoing connections to.
	BindAddr string `toml:"bindaddr"`

	// IdentityFile, when set, is used exclusively (IdentitiesOnly).
	IdentityFile string `toml:"identityfile"`

	// Username overrides the login name on the remote host.
	Username string `toml:"username"`

	// RemoteCmd is the command run on the remote side.
	RemoteCmd string `toml:"remotecmd"`
}

// overlay returns c with empty fields filled from defaults.
func (c SSHConfig) overlay(defaults SSHConfig) SSHConfig {
	if c.RemoteShell == "" {
		c.RemoteShell = defaults.RemoteShell
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.BindAddr == "" {
		c.BindAddr = defaults.BindAddr
	}
	if c.IdentityFile == "" {
		c.IdentityFile = defaults.IdentityFile
	}
	if c.Username == "" {
		c.Username = defaults.Username
	}
	if c.RemoteCmd == "" {
		c.RemoteCmd = defaults.RemoteCmd
	}
	return c
}

// NodeKind tags a NodeRef.
type NodeKind int

const (
	// NodeNone is an empty neighbor slot.
	NodeNone NodeKind = iota
	// NodeMaster refers to the master itself.
	NodeMaster
	// NodeRemote refers to a remote by registry index.
	NodeRemote
	// nodeUnresolved holds a name not yet matched to a remote. Load
	// eliminates every unresolved reference before returning; the event
	// loop never sees one.
	nodeUnresolved
)

// NodeRef identifies a node in the topology. Remotes are referenced by
// index into Config.Remotes rather than by pointer: the neighbor graph may
// contain cycles and the registry owns all remotes.
type NodeRef struct {
	kind   NodeKind
	remote int
	name   string
}

// NoneRef returns the empty reference.
func NoneRef() NodeRef { return NodeRef{kind: NodeNone} }

// MasterRef returns a reference to the master.
func MasterRef() NodeRef { return NodeRef{kind: NodeMaster} }

// RemoteRef returns a reference to the remote at index i.
func RemoteRef(i int) NodeRef { return NodeRef{kind: NodeRemote, remote: i} }

// Kind returns the reference's tag.
func (n NodeRef) Kind() NodeKind { return n.kind }

// RemoteIndex returns the registry index; only meaningful for NodeRemote.
func (n NodeRef) RemoteIndex() int { return n.remote }

// Remote is the static definition of one peer.
type Remote struct {
	// Alias is the unique short name; defaults to Hostname.
	Alias string

	// Hostname is what the transport connects to.
	Hostname string

	// Params is sent to the remote at handshake.
	Params map[string]string

	// SSH holds per-remote transport overrides.
	SSH SSHConfig

	// Neighbors holds one slot per direction.
	Neighbors [proto.NumDirections]NodeRef
}

// FocusHint configures the brightness indication on focus changes.
type FocusHint struct {
	Type       FocusHintType
	Brightness float32
	// Duration is the total fade time in microseconds.
	Duration uint64
	FadeSteps int
}

// MouseSwitch configures edge-triggered switching.
type MouseSwitch struct {
	Type MouseSwitchType
	Taps int
	// Window is the multi-tap window in microseconds.
	Window uint64
}

// Binding pairs a normalized key combination with its action.
type Binding struct {
	Combo  string
	Action hotkey.Action
}

// Config is the immutable in-memory topology. It is fully resolved: no
// unresolved node references survive Load.
type Config struct {
	MasterNeighbors [proto.NumDirections]NodeRef
	Remotes         []*Remote
	SSHDefaults     SSHConfig
	Hotkeys         []Binding
	FocusHint       FocusHint
	MouseSwitch     MouseSwitch
	ShowNullSwitch  NullSwitchPolicy

	// StatusListen, when non-empty, enables the local status API on the
	// given address.
	StatusListen string

	// Tray enables the system-tray indicator.
	Tray bool
}

// FindRemote locates a remote by alias, then by hostname, returning its
// registry index or -1.
func (c *Config) FindRemote(name string) int {
	for i, r := range c.Remotes {
		if r.Alias == name {
			return i
		}
	}
	for i, r := range c.Remotes {
		if r.Hostname == name {
			return i
		}
	}
	return -1
}

// SSHFor returns the remote's transport settings with defaults applied.
func (c *Config) SSHFor(r *Remote) SSHConfig {
	return r.SSH.overlay(c.SSHDefaults)
}

// CheckPermissions enforces the startup gate: the config file must belong
// to the invoking user and must not be writable by group or others, since
// it names commands we will execute.
func CheckPermissions(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if int(st.Uid) != os.Getuid() {
		return fmt.Errorf("config: bad ownership on %s", path)
	}
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return fmt.Errorf("config: bad permissions on %s (writable by others)", path)
	}
	return nil
}

type rawNeighbors struct {
	Left  string `toml:"left"`
	Right string `toml:"right"`
	Up    string `toml:"up"`
	Down  string `toml:"down"`
}

func (r rawNeighbors) get(dir proto.Direction) string {
	switch dir {
	case proto.Left:
		return r.Left
	case proto.Right:
		return r.Right
	case proto.Up:
		return r.Up
	default:
		return r.Down
	}
}

type rawRemote struct {
	rawNeighbors
	Alias    string            `toml:"alias"`
	Hostname string            `toml:"hostname"`
	Params   map[string]string `toml:"params"`
	SSH      SSHConfig         `toml:"ssh"`
}

type rawFocusHint struct {
	Type       string  `toml:"type"`
	Brightness float32 `toml:"brightness"`
	DurationMs uint64  `toml:"duration_ms"`
	FadeSteps  int     `toml:"fade_steps"`
}

type rawMouseSwitch struct {
	Type     string `toml:"type"`
	Taps     int    `toml:"taps"`
	WindowMs uint64 `toml:"window_ms"`
}

type rawConfig struct {
	Master         rawNeighbors      `toml:"master"`
	SSH            SSHConfig         `toml:"ssh"`
	Remotes        []rawRemote       `toml:"remote"`
	Hotkeys        map[string]string `toml:"hotkeys"`
	FocusHint      rawFocusHint      `toml:"focushint"`
	MouseSwitch    rawMouseSwitch    `toml:"mouseswitch"`
	ShowNullSwitch string            `toml:"shownullswitch"`
	StatusListen   string            `toml:"status_listen"`
	Tray           bool              `toml:"tray"`
}

// Load reads, parses, and resolves the configuration file. It does not
// apply the permission gate; callers run CheckPermissions first.
func Load(path string) (*Config, error) {
	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return build(&raw)
}

// Parse builds a Config from TOML text; used by tests.
func Parse(text string) (*Config, error) {
	var raw rawConfig
	if _, err := toml.Decode(text, &raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return build(&raw)
}

func build(raw *rawConfig) (*Config, error) {
	cfg := &Config{SSHDefaults: raw.SSH}

	seen := make(map[string]bool)
	for i, rr := range raw.Remotes {
		if rr.Hostname == "" {
			return nil, fmt.Errorf("config: remote #%d has no hostname", i+1)
		}
		alias := rr.Alias
		if alias == "" {
			alias = rr.Hostname
		}
		if alias == "master" {
			return nil, fmt.Errorf("config: alias 'master' is reserved")
		}
		if seen[alias] {
			return nil, fmt.Errorf("config: duplicate remote alias %q", alias)
		}
		seen[alias] = true

		cfg.Remotes = append(cfg.Remotes, &Remote{
			Alias:    alias,
			Hostname: rr.Hostname,
			Params:   rr.Params,
			SSH:      rr.SSH,
		})
	}

	for dir := proto.Direction(0); dir < proto.NumDirections; dir++ {
		cfg.MasterNeighbors[dir] = unresolved(raw.Master.get(dir))
	}
	for i, rr := range raw.Remotes {
		for dir := proto.Direction(0); dir < proto.NumDirections; dir++ {
			cfg.Remotes[i].Neighbors[dir] = unresolved(rr.get(dir))
		}
	}
	if err := cfg.resolveAll(); err != nil {
		return nil, err
	}

	if err := buildHotkeys(cfg, raw.Hotkeys); err != nil {
		return nil, err
	}
	if err := buildFocusHint(cfg, raw.FocusHint); err != nil {
		return nil, err
	}
	if err := buildMouseSwitch(cfg, raw.MouseSwitch); err != nil {
		return nil, err
	}

	switch raw.ShowNullSwitch {
	case "", "no":
		cfg.ShowNullSwitch = NullSwitchNever
	case "yes":
		cfg.ShowNullSwitch = NullSwitchAlways
	case "hotkeyonly":
		cfg.ShowNullSwitch = NullSwitchHotkeyOnly
	default:
		return nil, fmt.Errorf("config: bad shownullswitch %q", raw.ShowNullSwitch)
	}

	cfg.StatusListen = raw.StatusListen
	cfg.Tray = raw.Tray
	return cfg, nil
}

func unresolved(name string) NodeRef {
	switch name {
	case "":
		return NoneRef()
	case "master":
		return MasterRef()
	default:
		return NodeRef{kind: nodeUnresolved, name: name}
	}
}

func (c *Config) resolveAll() error {
	resolve := func(n *NodeRef) error {
		if n.kind != nodeUnresolved {
			return nil
		}
		i := c.FindRemote(n.name)
		if i < 0 {
			return fmt.Errorf("config: no such remote: %q", n.name)
		}
		*n = RemoteRef(i)
		return nil
	}

	for dir := range c.MasterNeighbors {
		if err := resolve(&c.MasterNeighbors[dir]); err != nil {
			return err
		}
	}
	for _, r := range c.Remotes {
		for dir := range r.Neighbors {
			if err := resolve(&r.Neighbors[dir]); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildHotkeys(cfg *Config, raw map[string]string) error {
	combos := make([]string, 0, len(raw))
	for combo := range raw {
		combos = append(combos, combo)
	}
	sort.Strings(combos)

	for _, combo := range combos {
		action, err := hotkey.ParseAction(raw[combo])
		if err != nil {
			return fmt.Errorf("config: hotkey %q: %w", combo, err)
		}
		if action.Kind == hotkey.ActionSwitchTo && action.Target != "master" {
			if cfg.FindRemote(action.Target) < 0 {
				return fmt.Errorf("config: hotkey %q: no such remote: %q", combo, action.Target)
			}
		}
		cfg.Hotkeys = append(cfg.Hotkeys, Binding{
			Combo:  hotkey.NormalizeCombo(combo),
			Action: action,
		})
	}
	return nil
}

func buildFocusHint(cfg *Config, raw rawFocusHint) error {
	switch raw.Type {
	case "", "none":
		cfg.FocusHint.Type = HintNone
		return nil
	case "dim-inactive":
		cfg.FocusHint.Type = HintDimInactive
	case "flash-active":
		cfg.FocusHint.Type = HintFlashActive
	default:
		return fmt.Errorf("config: bad focushint type %q", raw.Type)
	}

	if raw.Brightness < 0 || raw.Brightness > 1 {
		return fmt.Errorf("config: focushint brightness %v out of range [0,1]", raw.Brightness)
	}
	cfg.FocusHint.Brightness = raw.Brightness

	cfg.FocusHint.Duration = raw.DurationMs * 1000
	if cfg.FocusHint.Duration == 0 {
		cfg.FocusHint.Duration = 250 * 1000
	}
	cfg.FocusHint.FadeSteps = raw.FadeSteps
	if cfg.FocusHint.FadeSteps < 1 {
		cfg.FocusHint.FadeSteps = 4
	}
	return nil
}

func buildMouseSwitch(cfg *Config, raw rawMouseSwitch) error {
	switch raw.Type {
	case "", "none":
		cfg.MouseSwitch.Type = MouseSwitchNone
		return nil
	case "multitap":
		cfg.MouseSwitch.Type = MouseSwitchMultiTap
	default:
		return fmt.Errorf("config: bad mouseswitch type %q", raw.Type)
	}

	cfg.MouseSwitch.Taps = raw.Taps
	if cfg.MouseSwitch.Taps < 1 {
		cfg.MouseSwitch.Taps = 2
	}
	if maxTaps := (8 + 1) / 2; cfg.MouseSwitch.Taps > maxTaps {
		return fmt.Errorf("config: mouseswitch taps %d exceeds supported maximum %d",
			cfg.MouseSwitch.Taps, maxTaps)
	}
	cfg.MouseSwitch.Window = raw.WindowMs * 1000
	if cfg.MouseSwitch.Window == 0 {
		cfg.MouseSwitch.Window = 400 * 1000
	}
	return nil
}
