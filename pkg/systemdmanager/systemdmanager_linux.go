//go:build linux

package systemdmanager

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Run queues action for unit on the system manager and waits for the job
// to finish. It returns the job result systemd reports, e.g. "done" or
// "failed".
func Run(ctx context.Context, unit, action string) (string, error) {
	action, err := ParseAction(action)
	if err != nil {
		return "", err
	}
	name := UnitName(unit)
	if name == "" {
		return "", fmt.Errorf("unit name required")
	}

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	switch action {
	case ActionStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", done)
	case ActionRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", done)
	case ActionReload:
		_, err = conn.ReloadUnitContext(ctx, name, "replace", done)
	default:
		_, err = conn.StartUnitContext(ctx, name, "replace", done)
	}
	if err != nil {
		return "", fmt.Errorf("failed to %s %s: %w", action, name, err)
	}

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
