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

// Package workspace owns the local Git working tree for the claimed tenant.
// All mutation of the checkout goes through this provider; the job controller
// serializes callers within the tenancy and the claim registry keeps other
// processes out.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/utils/runner"
)

const (
	cloneTimeout  = 120 * time.Second
	remoteTimeout = 60 * time.Second
	localTimeout  = 30 * time.Second

	// FallbackDefaultBranch is assumed when the remote does not advertise a
	// HEAD, e.g. an empty repository we initialized ourselves.
	FallbackDefaultBranch = "main"

	credentialFileName = ".edit-worker-credentials"
)

// Workspace is a prepared checkout for one tenant repository.
type Workspace struct {
	Tenant        identity.Tenant
	RepoURL       string
	Dir           string
	DefaultBranch string
}

type Provider struct {
	run      runner.CommandRunner
	branches *cache.Cache // repo dir -> remote default branch, tenancy scoped
	mu       sync.Mutex

	root        string
	userName    string
	userEmail   string
	githubToken string
	pushEnabled bool
	pushRetries int
}

func NewProvider(run runner.CommandRunner, branches *cache.Cache, root, userName, userEmail, githubToken string, pushEnabled bool, pushRetries int) *Provider {
	return &Provider{
		run:         run,
		branches:    branches,
		root:        root,
		userName:    userName,
		userEmail:   userEmail,
		githubToken: githubToken,
		pushEnabled: pushEnabled,
		pushRetries: pushRetries,
	}
}

// Init prepares the tenant's checkout: clone when the directory is missing or
// empty, otherwise fetch and fast-forward the remote default branch. A clone
// failure (private or missing repo) degrades to an empty repo with the remote
// attached and a seed commit, so jobs can still record work locally.
func (p *Provider) Init(ctx context.Context, tenant identity.Tenant, repoURL string) (*Workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dir := identity.WorkDir(p.root, tenant, repoURL)
	ws := &Workspace{Tenant: tenant, RepoURL: repoURL, Dir: dir}

	if err := p.installCredentials(ctx); err != nil {
		return nil, err
	}
	empty, err := isMissingOrEmpty(dir)
	if err != nil {
		return nil, err
	}
	if empty {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory, %w", err)
		}
		res, err := p.git(ctx, filepath.Dir(dir), cloneTimeout, "clone", repoURL, dir)
		if err != nil {
			return nil, fmt.Errorf("spawning git clone, %w", err)
		}
		if res.ExitCode != 0 {
			logging.FromContext(ctx).Info("clone failed, initializing empty repository",
				"repo", repoURL, "stderr", tail(res.Stderr))
			if err := p.initEmptyRepo(ctx, ws); err != nil {
				return nil, err
			}
			ws.DefaultBranch = FallbackDefaultBranch
			p.configureAuthor(ctx, ws)
			return ws, nil
		}
		p.configureAuthor(ctx, ws)
		ws.DefaultBranch = p.remoteDefaultBranch(ctx, ws)
		return ws, nil
	}

	p.configureAuthor(ctx, ws)
	if res, err := p.git(ctx, dir, remoteTimeout, "fetch", "origin"); err != nil || res.ExitCode != 0 {
		if err != nil {
			return nil, fmt.Errorf("spawning git fetch, %w", err)
		}
		logging.FromContext(ctx).Info("fetch failed, continuing with local state", "stderr", tail(res.Stderr))
	}
	ws.DefaultBranch = p.remoteDefaultBranch(ctx, ws)
	// Fast-forward the default branch only when we are on it; thread branches
	// are updated through their own job flow.
	if branch, _ := p.currentBranch(ctx, ws); branch == ws.DefaultBranch {
		if res, err := p.git(ctx, dir, remoteTimeout, "pull", "--ff-only", "origin", ws.DefaultBranch); err == nil && res.ExitCode != 0 {
			logging.FromContext(ctx).Info("fast-forward pull failed, continuing with local state", "stderr", tail(res.Stderr))
		}
	}
	return ws, nil
}

// EnsureBranch switches the checkout to the thread's branch, creating it from
// the remote default branch on first reference. A dirty tree is stashed
// first; a conflicting stash pop leaves the stash for manual resolution and
// stays on the target branch.
func (p *Provider) EnsureBranch(ctx context.Context, ws *Workspace, threadID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := identity.BranchName(threadID)

	stashed := false
	if dirty, err := p.hasChangesLocked(ctx, ws); err != nil {
		return "", err
	} else if dirty {
		res, err := p.git(ctx, ws.Dir, localTimeout, "stash", "push", "--include-untracked", "-m", fmt.Sprintf("edit-worker: auto-stash before %s", target))
		if err != nil {
			return "", fmt.Errorf("spawning git stash, %w", err)
		}
		stashed = res.ExitCode == 0
	}

	res, err := p.git(ctx, ws.Dir, localTimeout, "checkout", target)
	if err != nil {
		return "", fmt.Errorf("spawning git checkout, %w", err)
	}
	if res.ExitCode != 0 {
		res, err = p.git(ctx, ws.Dir, localTimeout, "checkout", "-b", target, "origin/"+ws.DefaultBranch)
		if err != nil {
			return "", fmt.Errorf("spawning git checkout, %w", err)
		}
		if res.ExitCode != 0 {
			// No usable remote ref; root the branch at the local HEAD.
			res, err = p.git(ctx, ws.Dir, localTimeout, "checkout", "-b", target)
			if err != nil {
				return "", fmt.Errorf("spawning git checkout, %w", err)
			}
			if res.ExitCode != 0 {
				return "", fmt.Errorf("switching to branch %s, %s", target, tail(res.Stderr))
			}
		}
	}

	if stashed {
		res, err = p.git(ctx, ws.Dir, localTimeout, "stash", "pop")
		if err != nil {
			return "", fmt.Errorf("spawning git stash pop, %w", err)
		}
		if res.ExitCode != 0 {
			// The stash survives a failed pop; leave it for a human.
			logging.FromContext(ctx).Info("stash pop conflicted, leaving stash intact",
				"branch", target, "stderr", tail(res.Stderr))
		}
	}
	return target, nil
}

// HasChanges reports whether the working tree is dirty.
func (p *Provider) HasChanges(ctx context.Context, ws *Workspace) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasChangesLocked(ctx, ws)
}

// ChangedFiles is the authoritative change set after a code-mod run: the
// union of tracked modifications and untracked, unignored files.
func (p *Provider) ChangedFiles(ctx context.Context, ws *Workspace) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracked, err := p.gitLines(ctx, ws, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	untracked, err := p.gitLines(ctx, ws, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return lo.Uniq(append(tracked, untracked...)), nil
}

// Commit stages everything and writes a commit. Returns false when there was
// nothing to commit.
func (p *Provider) Commit(ctx context.Context, ws *Workspace, subject, body string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, err := p.git(ctx, ws.Dir, localTimeout, "add", "-A"); err != nil {
		return false, fmt.Errorf("spawning git add, %w", err)
	} else if res.ExitCode != 0 {
		return false, fmt.Errorf("staging changes, %s", tail(res.Stderr))
	}
	if dirty, err := p.stagedChangesLocked(ctx, ws); err != nil {
		return false, err
	} else if !dirty {
		return false, nil
	}

	args := []string{"commit", "-m", subject}
	if body != "" {
		// Long messages go through a tempfile so shells and argv limits never
		// mangle them.
		f, err := os.CreateTemp("", "edit-worker-commit-*")
		if err != nil {
			return false, fmt.Errorf("creating commit message file, %w", err)
		}
		defer func() {
			_ = os.Remove(f.Name())
		}()
		if _, err := f.WriteString(subject + "\n\n" + body + "\n"); err != nil {
			_ = f.Close()
			return false, fmt.Errorf("writing commit message file, %w", err)
		}
		_ = f.Close()
		args = []string{"commit", "-F", f.Name()}
	}
	res, err := p.git(ctx, ws.Dir, localTimeout, args...)
	if err != nil {
		return false, fmt.Errorf("spawning git commit, %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("committing changes, %s", tail(res.Stderr))
	}
	return true, nil
}

// Recover aborts any in-progress merge, rebase, or cherry-pick left by a
// crashed or interrupted operation; unresolved conflicts that survive the
// aborts are discarded with a hard reset.
func (p *Provider) Recover(ctx context.Context, ws *Workspace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, abort := range [][]string{
		{"rebase", "--abort"},
		{"merge", "--abort"},
		{"cherry-pick", "--abort"},
	} {
		// Each abort fails harmlessly when that operation is not in progress.
		_, _ = p.git(ctx, ws.Dir, localTimeout, abort...)
	}
	conflicted, err := p.gitLines(ctx, ws, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return err
	}
	if len(conflicted) > 0 {
		res, err := p.git(ctx, ws.Dir, localTimeout, "reset", "--hard", "HEAD")
		if err != nil {
			return fmt.Errorf("spawning git reset, %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("resetting conflicted tree, %s", tail(res.Stderr))
		}
	}
	return nil
}

// FlushTenancy drops the cached remote default branches on release.
func (p *Provider) FlushTenancy() {
	p.branches.Flush()
}

func (p *Provider) hasChangesLocked(ctx context.Context, ws *Workspace) (bool, error) {
	lines, err := p.gitLines(ctx, ws, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(lines) > 0, nil
}

func (p *Provider) stagedChangesLocked(ctx context.Context, ws *Workspace) (bool, error) {
	res, err := p.git(ctx, ws.Dir, localTimeout, "diff", "--cached", "--quiet")
	if err != nil {
		return false, fmt.Errorf("spawning git diff, %w", err)
	}
	return res.ExitCode != 0, nil
}

func (p *Provider) currentBranch(ctx context.Context, ws *Workspace) (string, error) {
	lines, err := p.gitLines(ctx, ws, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || len(lines) == 0 {
		return "", err
	}
	return lines[0], nil
}

// remoteDefaultBranch asks the remote what HEAD points at, cached for the
// tenancy. Unreachable remotes fall back to the conventional default.
func (p *Provider) remoteDefaultBranch(ctx context.Context, ws *Workspace) string {
	if branch, ok := p.branches.Get(ws.Dir); ok {
		return branch.(string)
	}
	res, err := p.git(ctx, ws.Dir, remoteTimeout, "ls-remote", "--symref", "origin", "HEAD")
	if err == nil && res.ExitCode == 0 {
		for _, line := range strings.Split(string(res.Stdout), "\n") {
			if after, found := strings.CutPrefix(line, "ref: refs/heads/"); found {
				branch := strings.Fields(after)[0]
				p.branches.SetDefault(ws.Dir, branch)
				return branch
			}
		}
	}
	return FallbackDefaultBranch
}

func (p *Provider) initEmptyRepo(ctx context.Context, ws *Workspace) error {
	steps := [][]string{
		{"init", "--initial-branch", FallbackDefaultBranch},
		{"remote", "add", "origin", ws.RepoURL},
	}
	for _, step := range steps {
		res, err := p.git(ctx, ws.Dir, localTimeout, step...)
		if err != nil {
			return fmt.Errorf("spawning git %s, %w", step[0], err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("initializing repository, %s", tail(res.Stderr))
		}
	}
	readme := filepath.Join(ws.Dir, "README.md")
	if err := os.WriteFile(readme, []byte(fmt.Sprintf("# %s\n\nInitialized by the edit worker.\n", identity.RepoName(ws.RepoURL))), 0o644); err != nil {
		return fmt.Errorf("seeding README, %w", err)
	}
	p.configureAuthor(ctx, ws)
	if err := p.gitOK(ctx, ws.Dir, "add", "-A"); err != nil {
		return fmt.Errorf("staging seed commit, %w", err)
	}
	if err := p.gitOK(ctx, ws.Dir, "commit", "-m", "Initialize workspace"); err != nil {
		return fmt.Errorf("writing seed commit, %w", err)
	}
	return nil
}

func (p *Provider) configureAuthor(ctx context.Context, ws *Workspace) {
	// Repo-local identity so worker commits are attributable without touching
	// global git state on the host.
	_, _ = p.git(ctx, ws.Dir, localTimeout, "config", "user.name", p.userName)
	_, _ = p.git(ctx, ws.Dir, localTimeout, "config", "user.email", p.userEmail)
}

// installCredentials writes the token into a store-backed credential helper
// file under the process home. The token is not logged and not kept anywhere
// else; public repos run with no helper at all.
func (p *Provider) installCredentials(ctx context.Context) error {
	if p.githubToken == "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory, %w", err)
	}
	credFile := filepath.Join(home, credentialFileName)
	if err := os.WriteFile(credFile, []byte(fmt.Sprintf("https://x-access-token:%s@github.com\n", p.githubToken)), 0o600); err != nil {
		return fmt.Errorf("writing credential file, %w", err)
	}
	res, err := p.git(ctx, home, localTimeout, "config", "--global", "credential.helper", fmt.Sprintf("store --file %s", credFile))
	if err != nil {
		return fmt.Errorf("spawning git config, %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("installing credential helper, %s", tail(res.Stderr))
	}
	return nil
}

func (p *Provider) git(ctx context.Context, dir string, timeout time.Duration, args ...string) (runner.Result, error) {
	return p.run.Run(ctx, runner.Command{
		Dir:     dir,
		Argv:    append([]string{"git"}, args...),
		Timeout: timeout,
	})
}

func (p *Provider) gitLines(ctx context.Context, ws *Workspace, args ...string) ([]string, error) {
	res, err := p.git(ctx, ws.Dir, localTimeout, args...)
	if err != nil {
		return nil, fmt.Errorf("spawning git %s, %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("running git %s, %s", args[0], tail(res.Stderr))
	}
	return lo.Filter(strings.Split(strings.TrimSpace(string(res.Stdout)), "\n"), func(s string, _ int) bool {
		return strings.TrimSpace(s) != ""
	}), nil
}

func isMissingOrEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting workspace directory, %w", err)
	}
	return len(entries) == 0, nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	const limit = 2048
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
