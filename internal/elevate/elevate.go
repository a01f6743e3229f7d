// Package elevate provides the privilege-elevation capability used to run
// mount(8), umount(8) and the main application. It is an explicit seam:
// production code elevates through sudo, tests substitute a fake that
// records or fails commands without touching the system.
package elevate

import (
	"context"
	"os/exec"
)

// Runner builds commands for external tools. Implementations decide how a
// command acquires the privileges it needs.
type Runner interface {
	Command(ctx context.Context, name string, args ...string) *exec.Cmd
}

type sudoRunner struct{}

// NewSudo returns a Runner that prefixes every command with "sudo -n".
// Non-interactive on purpose: the orchestrator runs unattended at boot and
// must fail fast rather than hang on a password prompt.
func NewSudo() Runner {
	return sudoRunner{}
}

func (sudoRunner) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	full := append([]string{"-n", name}, args...)
	return exec.CommandContext(ctx, "sudo", full...)
}

type directRunner struct{}

// NewDirect returns a Runner that executes commands as the current user.
func NewDirect() Runner {
	return directRunner{}
}

func (directRunner) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}
