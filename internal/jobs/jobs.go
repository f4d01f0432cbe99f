// Package jobs builds scheduler runners from configured job kinds.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"unicode/utf8"

	"schedview/internal/schedule"
	"schedview/internal/task/scheduler"
	"schedview/pkg/systemdmanager"
)

const (
	KindExec = "exec"
	KindNoop = "noop"
	KindFail = "fail"

	// KindSystemd runs a unit action; Command is the unit, Args[0] the action.
	KindSystemd = "systemd"
)

// maxOutputTail bounds the command output kept as the run result.
const maxOutputTail = 512

// Spec is the kind-specific part of a job definition.
type Spec struct {
	Kind    string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Factory builds a runner for a spec.
type Factory func(Spec) (scheduler.Runner, error)

var registry = map[string]Factory{
	KindExec: execRunner,
	KindNoop: func(Spec) (scheduler.Runner, error) { return noop, nil },
	KindFail: func(Spec) (scheduler.Runner, error) { return fail, nil },

	KindSystemd: unitRunner,
}

// Kinds lists the registered kinds in sorted order.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Known reports whether kind has a factory.
func Known(kind string) bool {
	_, ok := registry[Normalize(kind)]
	return ok
}

// Build returns the runner for spec.
func Build(spec Spec) (scheduler.Runner, error) {
	f, ok := registry[Normalize(spec.Kind)]
	if !ok {
		return nil, fmt.Errorf("unknown job kind %q (known: %s)", spec.Kind, strings.Join(Kinds(), ", "))
	}
	return f(spec)
}

// NeedsCommand reports whether kind requires Spec.Command.
func NeedsCommand(kind string) bool {
	k := Normalize(kind)
	return k == KindExec || k == KindSystemd
}

// Normalize maps a configured kind to its registry name; empty means exec.
func Normalize(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return KindExec
	}
	return kind
}

func noop(ctx context.Context) (scheduler.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Outcome{}, err
	}
	return scheduler.Outcome{Success: schedule.BoolPtr(true), Result: "ok"}, nil
}

func fail(ctx context.Context) (scheduler.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Outcome{}, err
	}
	return scheduler.Outcome{Success: schedule.BoolPtr(false), Code: 1, Result: "failed"}, nil
}

func execRunner(spec Spec) (scheduler.Runner, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, errors.New("exec job requires a command")
	}
	args := slices.Clone(spec.Args)
	env := slices.Clone(spec.Env)

	return func(ctx context.Context) (scheduler.Outcome, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = spec.Dir
		if len(env) > 0 {
			cmd.Env = append(cmd.Environ(), env...)
		}
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		err := cmd.Run()
		out := scheduler.Outcome{Result: tail(buf.String())}

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			out.Success = schedule.BoolPtr(true)
			return out, nil
		case ctx.Err() != nil:
			return out, fmt.Errorf("%s: %w", command, ctx.Err())
		case errors.As(err, &exitErr):
			// A non-zero exit is a failed run, not an exception.
			out.Success = schedule.BoolPtr(false)
			out.Code = exitErr.ExitCode()
			return out, nil
		default:
			return out, fmt.Errorf("%s: %w", command, err)
		}
	}, nil
}

var runUnit = systemdmanager.Run

func unitRunner(spec Spec) (scheduler.Runner, error) {
	unit := systemdmanager.UnitName(spec.Command)
	if unit == "" {
		return nil, errors.New("systemd job requires a unit in command")
	}
	var action string
	if len(spec.Args) > 0 {
		action = spec.Args[0]
	}
	action, err := systemdmanager.ParseAction(action)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (scheduler.Outcome, error) {
		result, err := runUnit(ctx, unit, action)
		if err != nil {
			return scheduler.Outcome{}, err
		}
		out := scheduler.Outcome{Result: action + " " + unit + ": " + result}
		if result == systemdmanager.ResultDone {
			out.Success = schedule.BoolPtr(true)
		} else {
			out.Success = schedule.BoolPtr(false)
			out.Code = 1
		}
		return out, nil
	}, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputTail {
		return s
	}
	s = s[len(s)-maxOutputTail:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	// Drop the continuation bytes of a rune cut in half.
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
