package core

import (
	"context"
	"time"
)

// CommandResult is the outcome of a command that actually ran on a server.
// A non-zero exit code is a command-level failure, not an executor error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs one command on one server. A returned error means the
// command could not be executed at all (connect, auth or timeout failure);
// it is recorded as the job's error message. Implementations must return
// within the given timeout even if the remote process hangs, and must never
// log the server's credentials.
type Executor interface {
	Run(ctx context.Context, server *Server, command string, timeout time.Duration) (*CommandResult, error)
}
