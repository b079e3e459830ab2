// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package toolexec wraps invocations of the external tools the disk
// assembler shells out to (kpartx, mkfs, mount, umount), giving them one
// logged, context-aware call path instead of ad-hoc os/exec calls scattered
// across the disk package.
package toolexec

import (
	"context"
	"errors"
	"fmt"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
)

// ErrExternalToolFailed wraps a failed invocation, carrying the tool name,
// its exit code (when known), and the captured output so callers can
// pattern-match on tool-specific failure text the way the reference
// builder's subprocess wrappers do.
type ErrExternalToolFailed struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ErrExternalToolFailed) Error() string {
	return fmt.Sprintf("toolexec: %s %v: %v (output: %s)", e.Tool, e.Args, e.Err, e.Output)
}

func (e *ErrExternalToolFailed) Unwrap() error {
	return e.Err
}

// Runner executes external tools. It is satisfied by *Exec; tests
// substitute a fake to avoid touching the host's loop devices and
// filesystem tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Exec runs real external commands via go-cmd, with every invocation
// logged at debug level before it runs and its outcome logged after.
type Exec struct {
	logger *zap.Logger
}

// Option configures a new Exec.
type Option func(*Exec)

// WithLogger sets the structured logger used for command tracing. The
// default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exec) { e.logger = logger }
}

// New builds an Exec runner.
func New(opts ...Option) *Exec {
	e := &Exec{logger: zap.NewNop()}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run executes name with args and returns its captured stdout. The
// environment is not scrubbed beyond not inheriting a shell: args are
// passed as an explicit argv vector, never through a shell, so there is no
// interpolation surface to sanitize.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	e.logger.Debug("running external tool", zap.String("tool", name), zap.Strings("args", args))

	stdout, err := cmd.RunContext(ctx, name, args...)
	if err != nil {
		toolErr := &ErrExternalToolFailed{Tool: name, Args: args, Err: err}

		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode
			toolErr.Output = string(exitErr.Output)
		}

		e.logger.Debug("external tool failed",
			zap.String("tool", name),
			zap.Int("exit_code", toolErr.ExitCode),
			zap.Error(err),
		)

		return "", toolErr
	}

	return stdout, nil
}

var _ Runner = (*Exec)(nil)
