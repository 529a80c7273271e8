// Package hotkey maps key-combination strings to master actions.
package hotkey

import (
	"fmt"
	"strings"

	"kvmux/internal/proto"
)

// ActionKind enumerates what a hotkey can do.
type ActionKind int

const (
	// ActionSwitch focuses the neighbor of the focused node in a direction.
	ActionSwitch ActionKind = iota
	// ActionSwitchTo focuses a named node directly.
	ActionSwitchTo
	// ActionReconnect clears permanent failures and retries every remote.
	ActionReconnect
	// ActionQuit shuts the master down cleanly.
	ActionQuit
)

// Action is a parsed hotkey binding target. For ActionSwitchTo, Target is
// the remote's alias or hostname, or "master".
type Action struct {
	Kind   ActionKind
	Dir    proto.Direction
	Target string
}

// ParseAction parses the action half of a hotkey binding. Accepted forms:
//
//	switch left|right|up|down
//	switchto NAME
//	reconnect
//	quit
func ParseAction(s string) (Action, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) == 0 {
		return Action{}, fmt.Errorf("hotkey: empty action")
	}

	switch fields[0] {
	case "switch":
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("hotkey: switch needs a direction")
		}
		dir, err := parseDirection(fields[1])
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSwitch, Dir: dir}, nil

	case "switchto":
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("hotkey: switchto needs a node name")
		}
		return Action{Kind: ActionSwitchTo, Target: fields[1]}, nil

	case "reconnect":
		if len(fields) != 1 {
			return Action{}, fmt.Errorf("hotkey: reconnect takes no argument")
		}
		return Action{Kind: ActionReconnect}, nil

	case "quit":
		if len(fields) != 1 {
			return Action{}, fmt.Errorf("hotkey: quit takes no argument")
		}
		return Action{Kind: ActionQuit}, nil

	default:
		return Action{}, fmt.Errorf("hotkey: unknown action %q", fields[0])
	}
}

func parseDirection(s string) (proto.Direction, error) {
	switch s {
	case "left":
		return proto.Left, nil
	case "right":
		return proto.Right, nil
	case "up":
		return proto.Up, nil
	case "down":
		return proto.Down, nil
	default:
		return 0, fmt.Errorf("hotkey: unknown direction %q", s)
	}
}

// NormalizeCombo canonicalizes a combination string: parts are uppercased,
// trimmed, and rejoined with "+", so "ctrl + alt+Right" and "Ctrl+Alt+RIGHT"
// bind the same chord.
func NormalizeCombo(combo string) string {
	parts := strings.Split(strings.ToUpper(combo), "+")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, "+")
}
