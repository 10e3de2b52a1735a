// Package sshexec executes single commands on fleet servers over SSH.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"fleetrun/internal/core"
)

const defaultConnectTimeout = 10 * time.Second

// Runner implements core.Executor over SSH with password authentication.
// Each Run opens its own connection, executes exactly one command and
// captures both output streams fully. The server's password is used for
// authentication only and never logged.
type Runner struct {
	logger         *slog.Logger
	connectTimeout time.Duration
	hostKeyCheck   ssh.HostKeyCallback
}

// Option configures a Runner.
type Option func(*Runner)

// WithConnectTimeout bounds the TCP/SSH handshake separately from the
// command's wall-clock timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Runner) { r.connectTimeout = d }
}

// WithHostKeyCallback replaces the default host key policy. The default
// accepts any host key, matching a fleet whose hosts are registered by
// address rather than by key.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(r *Runner) { r.hostKeyCheck = cb }
}

// NewRunner constructs an SSH runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:         logger,
		connectTimeout: defaultConnectTimeout,
		hostKeyCheck:   ssh.InsecureIgnoreHostKey(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the command on the server. A returned error means the command
// never completed (connect, auth, session or timeout failure); a non-zero
// exit status is returned as a result, not an error.
func (r *Runner) Run(ctx context.Context, server *core.Server, command string, timeout time.Duration) (*core.CommandResult, error) {
	config := &ssh.ClientConfig{
		User:            server.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(server.SSHPassword)},
		HostKeyCallback: r.hostKeyCheck,
		Timeout:         r.connectTimeout,
	}
	port := server.SSHPort
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(server.Address, strconv.Itoa(port))
	r.logger.Debug("executing remote command", "addr", addr, "user", server.SSHUser)

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		// Closing the client unblocks session.Run even if the remote
		// process hangs.
		client.Close()
		<-done
		return nil, fmt.Errorf("command timed out after %s on %s", timeout, addr)
	case <-ctx.Done():
		client.Close()
		<-done
		return nil, fmt.Errorf("command aborted on %s: %w", addr, ctx.Err())
	}

	result := &core.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("run command on %s: %w", addr, err)
	}
	return result, nil
}
