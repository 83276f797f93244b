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

package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/avast/retry-go"

	"github.com/webordinary/edit-worker/pkg/operator/logging"
)

// Push runs the safe-push ladder for the branch: plain push, then
// rebase-and-retry on non-fast-forward, then merge with local preference when
// the rebase conflicts. Returns (false, nil) when pushing is disabled, and
// (true, nil) once the remote has the branch. Idempotent on an already-synced
// branch: the plain push no-ops.
func (p *Provider) Push(ctx context.Context, ws *Workspace, branch string) (bool, error) {
	if !p.pushEnabled {
		logging.FromContext(ctx).V(1).Info("push disabled, keeping commits local", "branch", branch)
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	attempts := uint(p.pushRetries)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(func() error {
		return p.safePushOnce(ctx, ws, branch)
	}, retry.Attempts(attempts), retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) safePushOnce(ctx context.Context, ws *Workspace, branch string) error {
	res, err := p.git(ctx, ws.Dir, remoteTimeout, "push", "origin", branch)
	if err != nil {
		return fmt.Errorf("spawning git push, %w", err)
	}
	if res.ExitCode == 0 {
		return nil
	}
	if !isNonFastForward(res.Stderr) {
		return fmt.Errorf("pushing branch %s, %s", branch, tail(res.Stderr))
	}

	logging.FromContext(ctx).Info("push rejected, rebasing onto remote", "branch", branch)
	res, err = p.git(ctx, ws.Dir, remoteTimeout, "pull", "--rebase", "origin", branch)
	if err != nil {
		return fmt.Errorf("spawning git pull, %w", err)
	}
	if res.ExitCode == 0 {
		return p.pushPlain(ctx, ws, branch)
	}

	// Rebase conflicted: fall back to a merge that prefers our side, and say
	// so in the commit so the resolution is auditable.
	logging.FromContext(ctx).Info("rebase conflicted, merging with local preference", "branch", branch)
	if _, err := p.git(ctx, ws.Dir, localTimeout, "rebase", "--abort"); err != nil {
		return fmt.Errorf("spawning git rebase abort, %w", err)
	}
	res, err = p.git(ctx, ws.Dir, remoteTimeout, "pull", "origin", branch)
	if err != nil {
		return fmt.Errorf("spawning git pull, %w", err)
	}
	if res.ExitCode != 0 {
		conflicted, listErr := p.gitLines(ctx, ws, "diff", "--name-only", "--diff-filter=U")
		if listErr != nil {
			return fmt.Errorf("listing merge conflicts, %w", listErr)
		}
		if len(conflicted) == 0 {
			return fmt.Errorf("pulling branch %s, %s", branch, tail(res.Stderr))
		}
		for _, file := range conflicted {
			if err := p.gitOK(ctx, ws.Dir, "checkout", "--ours", file); err != nil {
				return fmt.Errorf("resolving conflict in %s, %w", file, err)
			}
			if err := p.gitOK(ctx, ws.Dir, "add", file); err != nil {
				return fmt.Errorf("staging resolution of %s, %w", file, err)
			}
		}
		subject := fmt.Sprintf("Merge origin/%s preferring local changes (%d auto-resolved)", branch, len(conflicted))
		if err := p.gitOK(ctx, ws.Dir, "commit", "-m", subject); err != nil {
			return fmt.Errorf("committing merge resolution, %w", err)
		}
	}
	return p.pushPlain(ctx, ws, branch)
}

func (p *Provider) pushPlain(ctx context.Context, ws *Workspace, branch string) error {
	res, err := p.git(ctx, ws.Dir, remoteTimeout, "push", "origin", branch)
	if err != nil {
		return fmt.Errorf("spawning git push, %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("pushing branch %s, %s", branch, tail(res.Stderr))
	}
	return nil
}

func (p *Provider) gitOK(ctx context.Context, dir string, args ...string) error {
	res, err := p.git(ctx, dir, localTimeout, args...)
	if err != nil {
		return fmt.Errorf("spawning git %s, %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("running git %s, %s", args[0], tail(res.Stderr))
	}
	return nil
}

func isNonFastForward(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "non-fast-forward") ||
		strings.Contains(s, "fetch first") ||
		strings.Contains(s, "[rejected]")
}
