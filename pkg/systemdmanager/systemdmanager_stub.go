//go:build !linux

package systemdmanager

import "context"

func Run(ctx context.Context, unit, action string) (string, error) {
	return "", ErrUnsupported
}
