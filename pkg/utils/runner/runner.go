/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runner is the single seam through which the worker spawns
// subprocesses: git, the code-mod engine, and the site build. Cancellation is
// SIGINT first, SIGKILL after the grace period, so children get a chance to
// leave the working tree in a recoverable state.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// DefaultGracePeriod bounds how long a child may linger after SIGINT
	// before it is killed.
	DefaultGracePeriod = 5 * time.Second

	// maxCapturedOutput caps each captured stream so a chatty child cannot
	// exhaust memory. 64 KiB keeps enough tail for error causes.
	maxCapturedOutput = 64 * 1024
)

// Command describes one subprocess invocation.
type Command struct {
	// Dir is the working directory. Required.
	Dir string
	// Argv is the program and its arguments. Required.
	Argv []string
	// Env entries are appended to the parent environment for this child only.
	// The worker never mutates its own environment after startup.
	Env []string
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
	// Timeout bounds the whole invocation when positive.
	Timeout time.Duration
	// Stdout, when set, receives the child's stdout unbounded instead of the
	// capped capture. Used by consumers that parse the full stream.
	Stdout io.Writer
}

// Result carries the child's captured output and how it ended.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Interrupted is true when the child exited due to SIGINT, whether sent
	// by us on cancellation or received externally.
	Interrupted bool
}

// CommandRunner runs one subprocess to completion. Implementations must honor
// context cancellation by signalling the child with SIGINT and killing it
// after the grace period.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSRunner runs commands through os/exec.
type OSRunner struct{}

func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	// #nosec G204 -- argv comes from configuration and identity resolution, not message payloads
	proc := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}
	stdout := &boundedBuffer{limit: maxCapturedOutput}
	stderr := &boundedBuffer{limit: maxCapturedOutput}
	if cmd.Stdout != nil {
		proc.Stdout = cmd.Stdout
	} else {
		proc.Stdout = stdout
	}
	proc.Stderr = stderr
	proc.Cancel = func() error {
		return proc.Process.Signal(syscall.SIGINT)
	}
	proc.WaitDelay = cmd.GracePeriod
	if proc.WaitDelay <= 0 {
		proc.WaitDelay = DefaultGracePeriod
	}

	err := proc.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGINT {
			res.Interrupted = true
		}
		// Context cancellation raced the child's exit status.
		if ctx.Err() != nil {
			res.Interrupted = true
		}
		return res, nil
	}
	return res, err
}

// boundedBuffer keeps the tail of what was written, up to limit bytes.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.buf.Len()+n > b.limit {
		over := b.buf.Len() + n - b.limit
		if over >= b.buf.Len() {
			b.buf.Reset()
			if n > b.limit {
				p = p[n-b.limit:]
			}
		} else {
			b.buf.Next(over)
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
