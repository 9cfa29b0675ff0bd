// Package transport executes commands on remote hosts over SSH. It is the
// concrete implementation of the HostAgent contract: the remote-shell
// transport itself (authentication, connectivity) is treated as an external
// collaborator, but the wrapping — timeouts, host-key handling, keepalive —
// lives here.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
)

// Defaults mirroring the original implementation's SSH invocation:
// `timeout %d ssh -o StrictHostKeyChecking=no -o ConnectTimeout=60
// -o ServerAliveInterval=20 -l root %s '%s'`.
const (
	DefaultConnectTimeout    = 60 * time.Second
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultCommandTimeout    = 120 * time.Second
)

// HostAgent executes shell commands on one physical host.
type HostAgent interface {
	// Run executes command on the host, enforcing timeout as a wall-clock
	// bound around the remote process. When capture is true, stdout is
	// returned; stderr is always captured for error messages.
	Run(ctx context.Context, command string, timeout time.Duration, capture bool) (exitCode int, stdout string, err error)
}

// SSHAgent is a HostAgent backed by the system `ssh` binary, matching the
// host-key and keepalive contract spec.md §4.1 requires.
type SSHAgent struct {
	Host string

	// User defaults to "root", matching the documented passwordless
	// remote-shell account.
	User string

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
}

// NewSSHAgent builds a SSHAgent for host with the documented defaults.
func NewSSHAgent(host string) *SSHAgent {
	return &SSHAgent{
		Host:              host,
		User:              "root",
		ConnectTimeout:    DefaultConnectTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
}

func (a *SSHAgent) user() string {
	if a.User == "" {
		return "root"
	}
	return a.User
}

// buildArgs builds the `timeout ssh ...` argv, matching the original
// implementation's `timeout %d ssh -o StrictHostKeyChecking=no -o
// ConnectTimeout=%d -o ServerAliveInterval=%d -l root %s '%s'` bit-exact
// contract (spec.md §6).
func (a *SSHAgent) buildArgs(command string, timeout time.Duration) []string {
	return []string{
		fmt.Sprintf("%d", int(timeout.Seconds())),
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(a.ConnectTimeout.Seconds())),
		"-o", fmt.Sprintf("ServerAliveInterval=%d", int(a.KeepaliveInterval.Seconds())),
		"-l", a.user(),
		a.Host,
		command,
	}
}

// Run shells out to ssh, enforcing timeout with a local `timeout` wrapper
// around the ssh process in addition to a context deadline, so a dropped
// connection that the OS doesn't notice is still bounded.
func (a *SSHAgent) Run(ctx context.Context, command string, timeout time.Duration, capture bool) (int, string, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+a.ConnectTimeout)
	defer cancel()

	args := a.buildArgs(command, timeout)
	cmd := exec.CommandContext(runCtx, "timeout", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// The process never started or was killed outside of a normal
			// exit (missing binary, context deadline before exec, etc).
			return -1, "", backuperr.Wrap(backuperr.KindTransport,
				fmt.Sprintf("ssh invocation to %s failed", a.Host), err).WithHost(a.Host)
		}
		code := exitErr.ExitCode()
		return code, stdout.String(), backuperr.Wrap(backuperr.KindCommand,
			fmt.Sprintf("command exited %d: %s", code, stderr.String()), err).WithHost(a.Host)
	}

	out := ""
	if capture {
		out = stdout.String()
	}
	return 0, out, nil
}
