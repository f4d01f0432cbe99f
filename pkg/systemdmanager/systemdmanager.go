// Package systemdmanager runs systemd unit jobs over D-Bus.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// Actions accepted by Run.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionReload  = "reload"
)

// ResultDone is the job result systemd reports on success.
const ResultDone = "done"

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 && i < len(name)-1 {
		return name
	}
	return name + ".service"
}

// ParseAction normalizes action; empty means start.
func ParseAction(action string) (string, error) {
	switch a := strings.ToLower(strings.TrimSpace(action)); a {
	case "":
		return ActionStart, nil
	case ActionStart, ActionStop, ActionRestart, ActionReload:
		return a, nil
	default:
		return "", fmt.Errorf("unknown unit action %q", action)
	}
}
