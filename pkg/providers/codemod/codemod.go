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

// Package codemod runs the opaque code-modification engine as a child
// process and consumes its tagged event stream. The engine's self-reported
// file changes are advisory; the workspace provider computes the
// authoritative change set after exit.
package codemod

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/utils/runner"
)

const (
	// interruptGrace bounds how long the engine may run after SIGINT.
	interruptGrace = 5 * time.Second

	thinkingTokenCap = 1024

	stageName = "codemod"
)

// allowedTools is the engine's tool allow-list: file read, file write, file
// edit, shell exec, text search, directory listing, glob.
var allowedTools = []string{"Read", "Write", "Edit", "Bash", "Grep", "LS", "Glob"}

// Result is what a completed (or salvaged) run produced.
type Result struct {
	Output    string
	SessionID string
	CostUSD   float64
	Duration  time.Duration
}

type Provider struct {
	run runner.CommandRunner
	clk clock.Clock

	command        string
	maxTurns       int
	outputTokenCap int
}

func NewProvider(run runner.CommandRunner, clk clock.Clock, command string, maxTurns, outputTokenCap int) *Provider {
	return &Provider{
		run:            run,
		clk:            clk,
		command:        command,
		maxTurns:       maxTurns,
		outputTokenCap: outputTokenCap,
	}
}

// Run executes one instruction against the workdir. On preemption the child
// receives SIGINT and up to five seconds to exit; the partial result is still
// returned alongside the InterruptError so salvage can tag its WIP commit.
func (p *Provider) Run(ctx context.Context, workdir, instruction string) (*Result, error) {
	stdout := &bytes.Buffer{}
	started := p.clk.Now()
	res, err := p.run.Run(ctx, runner.Command{
		Dir: workdir,
		Argv: []string{
			p.command,
			"-p", instruction,
			"--output-format", "stream-json",
			"--max-turns", strconv.Itoa(p.maxTurns),
			"--allowedTools", strings.Join(allowedTools, ","),
		},
		Env: []string{
			fmt.Sprintf("MAX_OUTPUT_TOKENS=%d", p.outputTokenCap),
			fmt.Sprintf("MAX_THINKING_TOKENS=%d", thinkingTokenCap),
		},
		GracePeriod: interruptGrace,
		Stdout:      stdout,
	})
	if err != nil {
		return nil, errors.NewJobError(errors.CodeExecSpawn, stageName, fmt.Errorf("spawning code-mod subprocess, %w", err))
	}

	events := parseStream(stdout.Bytes())
	result := &Result{
		Output:    events.output.String(),
		SessionID: events.sessionID,
		Duration:  p.clk.Since(started),
	}
	if result.SessionID == "" {
		// Salvage commits still want a session tag.
		result.SessionID = uuid.NewString()
	}
	if events.result != nil {
		result.CostUSD = events.result.TotalCostUSD
		if events.result.DurationMs > 0 {
			result.Duration = time.Duration(events.result.DurationMs) * time.Millisecond
		}
	}

	if res.Interrupted {
		return result, errors.NewInterruptError("code-mod subprocess interrupted")
	}
	if res.ExitCode != 0 {
		return result, errors.NewJobError(errors.CodeExecFailed, stageName,
			fmt.Errorf("code-mod subprocess exited %d, %s", res.ExitCode, stderrTail(res.Stderr)))
	}
	if events.result != nil && events.result.Subtype != ResultSubtypeSuccess {
		return result, errors.NewJobError(errors.CodeExecFailed, stageName,
			fmt.Errorf("code-mod subprocess reported %q", events.result.Subtype))
	}
	logging.FromContext(ctx).Info("code-mod run completed",
		"sessionID", result.SessionID, "costUSD", result.CostUSD, "duration", result.Duration)
	return result, nil
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	const limit = 2048
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
