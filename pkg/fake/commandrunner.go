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

package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/webordinary/edit-worker/pkg/utils/runner"
)

// CommandScript describes how the fake runner answers one command. Scripts
// are matched in registration order by prefix of the joined argv, so
// "git push" matches "git push origin thread-t1".
type CommandScript struct {
	Prefix string
	Result runner.Result
	Err    error
	// Times limits how often the script fires; 0 means unlimited. Sequenced
	// scripts let a test fail a push once and succeed on the retry.
	Times int
	// BlockUntilCancel parks the command until the context is canceled and
	// then reports an interrupted exit, standing in for a SIGINT'd child.
	BlockUntilCancel bool
	// Do runs side effects in the caller's goroutine before the result is
	// returned, e.g. creating dist/ files for the publisher.
	Do func(cmd runner.Command)

	used int
}

// CommandRunner is a scriptable runner.CommandRunner. The zero value answers
// every command with a clean exit and empty output.
//
// Reset must be called between tests otherwise tests will pollute each other.
type CommandRunner struct {
	mu      sync.Mutex
	scripts []*CommandScript
	calls   []runner.Command

	// Started receives the joined argv of every command as it begins, so
	// tests can synchronize preemption with a blocked subprocess.
	Started chan string
}

func NewCommandRunner() *CommandRunner {
	return &CommandRunner{Started: make(chan string, 100)}
}

func (r *CommandRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = nil
	r.calls = nil
	for len(r.Started) > 0 {
		<-r.Started
	}
}

// Script registers a canned response.
func (r *CommandRunner) Script(script CommandScript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, &script)
}

// Calls returns every command whose joined argv starts with prefix; the empty
// prefix returns all of them.
func (r *CommandRunner) Calls(prefix string) []runner.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runner.Command
	for _, call := range r.calls {
		if strings.HasPrefix(strings.Join(call.Argv, " "), prefix) {
			out = append(out, call)
		}
	}
	return out
}

func (r *CommandRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	joined := strings.Join(cmd.Argv, " ")
	var script *CommandScript
	for _, s := range r.scripts {
		if strings.HasPrefix(joined, s.Prefix) && (s.Times == 0 || s.used < s.Times) {
			s.used++
			script = s
			break
		}
	}
	r.mu.Unlock()

	select {
	case r.Started <- joined:
	default:
	}
	if script == nil {
		return runner.Result{}, nil
	}
	if script.Do != nil {
		script.Do(cmd)
	}
	if script.BlockUntilCancel {
		<-ctx.Done()
		return runner.Result{ExitCode: 130, Interrupted: true}, nil
	}
	if cmd.Stdout != nil && len(script.Result.Stdout) > 0 {
		_, _ = cmd.Stdout.Write(script.Result.Stdout)
	}
	return script.Result, script.Err
}
