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

package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/webordinary/edit-worker/pkg/fake"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/providers/workspace"
	"github.com/webordinary/edit-worker/pkg/test"
	"github.com/webordinary/edit-worker/pkg/utils/runner"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestWorkspace(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WorkspaceProvider")
}

var (
	ctx    context.Context
	env    *test.Environment
	tenant = identity.Tenant{ProjectID: "amelia", UserID: "scott"}
)

var _ = BeforeSuite(func() {
	ctx = context.Background()
	env = test.NewEnvironment(test.NewOptions())
})

var _ = AfterSuite(func() {
	env.Cleanup()
})

var _ = BeforeEach(func() {
	env.Reset()
})

func testWorkspace(repo string) *workspace.Workspace {
	return &workspace.Workspace{
		Tenant:        tenant,
		RepoURL:       "https://github.com/webordinary/" + repo + ".git",
		Dir:           filepath.Join(env.WorkspaceRoot, tenant.ProjectID, tenant.UserID, repo),
		DefaultBranch: "main",
	}
}

var _ = Describe("Init", func() {
	It("should clone into the tenant work directory", func() {
		ws, err := env.WorkspaceProvider.Init(ctx, tenant, "https://github.com/webordinary/clone-site.git")
		Expect(err).ToNot(HaveOccurred())
		Expect(ws.Dir).To(Equal(filepath.Join(env.WorkspaceRoot, "amelia", "scott", "clone-site")))
		Expect(ws.DefaultBranch).To(Equal(workspace.FallbackDefaultBranch))
		Expect(env.CommandRunner.Calls("git clone")).To(HaveLen(1))
	})
	It("should take the default branch the remote advertises", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git ls-remote",
			Result: runner.Result{Stdout: []byte("ref: refs/heads/trunk\tHEAD\nabc123\tHEAD\n")},
		})
		ws, err := env.WorkspaceProvider.Init(ctx, tenant, "https://github.com/webordinary/trunk-site.git")
		Expect(err).ToNot(HaveOccurred())
		Expect(ws.DefaultBranch).To(Equal("trunk"))
	})
	It("should degrade a failed clone to a seeded empty repository", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git clone",
			Result: runner.Result{ExitCode: 128, Stderr: []byte("fatal: repository not found")},
		})
		ws, err := env.WorkspaceProvider.Init(ctx, tenant, "https://github.com/webordinary/missing-site.git")
		Expect(err).ToNot(HaveOccurred())
		Expect(ws.DefaultBranch).To(Equal(workspace.FallbackDefaultBranch))
		Expect(env.CommandRunner.Calls("git init")).To(HaveLen(1))
		Expect(env.CommandRunner.Calls("git remote add origin")).To(HaveLen(1))
		readme, readErr := os.ReadFile(filepath.Join(ws.Dir, "README.md"))
		Expect(readErr).ToNot(HaveOccurred())
		Expect(string(readme)).To(ContainSubstring("missing-site"))
	})
	It("should fetch instead of cloning when the checkout exists", func() {
		dir := filepath.Join(env.WorkspaceRoot, "amelia", "scott", "existing-site")
		Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644)).To(Succeed())

		_, err := env.WorkspaceProvider.Init(ctx, tenant, "https://github.com/webordinary/existing-site.git")
		Expect(err).ToNot(HaveOccurred())
		Expect(env.CommandRunner.Calls("git clone")).To(BeEmpty())
		Expect(env.CommandRunner.Calls("git fetch origin")).To(HaveLen(1))
	})
})

var _ = Describe("EnsureBranch", func() {
	It("should switch a clean tree without stashing", func() {
		branch, err := env.WorkspaceProvider.EnsureBranch(ctx, testWorkspace("amelia-site"), "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(branch).To(Equal("thread-t1"))
		Expect(env.CommandRunner.Calls("git stash")).To(BeEmpty())
	})
	It("should stash a dirty tree and pop it on the target branch", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git status --porcelain",
			Result: runner.Result{Stdout: []byte(" M src/a.css\n")},
		})
		branch, err := env.WorkspaceProvider.EnsureBranch(ctx, testWorkspace("amelia-site"), "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(branch).To(Equal("thread-t1"))
		Expect(env.CommandRunner.Calls("git stash push")).To(HaveLen(1))
		Expect(env.CommandRunner.Calls("git stash pop")).To(HaveLen(1))
	})
	It("should walk the creation ladder down to a local root", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git checkout thread-t1",
			Result: runner.Result{ExitCode: 1, Stderr: []byte("pathspec did not match")},
		})
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git checkout -b thread-t1 origin/",
			Result: runner.Result{ExitCode: 128, Stderr: []byte("not a valid object name")},
		})
		branch, err := env.WorkspaceProvider.EnsureBranch(ctx, testWorkspace("amelia-site"), "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(branch).To(Equal("thread-t1"))
		Expect(env.CommandRunner.Calls("git checkout -b thread-t1")).To(HaveLen(2))
	})
})

var _ = Describe("ChangedFiles", func() {
	It("should union tracked and untracked changes", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git diff --name-only HEAD",
			Result: runner.Result{Stdout: []byte("src/a.css\nsrc/b.astro\n")},
		})
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git ls-files --others",
			Result: runner.Result{Stdout: []byte("src/b.astro\nsrc/new.md\n")},
		})
		files, err := env.WorkspaceProvider.ChangedFiles(ctx, testWorkspace("amelia-site"))
		Expect(err).ToNot(HaveOccurred())
		Expect(files).To(Equal([]string{"src/a.css", "src/b.astro", "src/new.md"}))
	})
})

var _ = Describe("Commit", func() {
	It("should report nothing to commit on a clean index", func() {
		committed, err := env.WorkspaceProvider.Commit(ctx, testWorkspace("amelia-site"), "Fix header", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(committed).To(BeFalse())
		Expect(env.CommandRunner.Calls("git commit")).To(BeEmpty())
	})
	It("should write a bodied message through a file", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git diff --cached --quiet",
			Result: runner.Result{ExitCode: 1},
		})
		committed, err := env.WorkspaceProvider.Commit(ctx, testWorkspace("amelia-site"), "Fix header", "Full instruction: fix the header")
		Expect(err).ToNot(HaveOccurred())
		Expect(committed).To(BeTrue())
		calls := env.CommandRunner.Calls("git commit")
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Argv[2]).To(Equal("-F"))
	})
	It("should commit a subject-only message inline", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git diff --cached --quiet",
			Result: runner.Result{ExitCode: 1},
		})
		committed, err := env.WorkspaceProvider.Commit(ctx, testWorkspace("amelia-site"), "Fix header", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(committed).To(BeTrue())
		calls := env.CommandRunner.Calls("git commit")
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Argv).To(Equal([]string{"git", "commit", "-m", "Fix header"}))
	})
})

var _ = Describe("Recover", func() {
	It("should abort in-progress operations and keep a clean tree", func() {
		Expect(env.WorkspaceProvider.Recover(ctx, testWorkspace("amelia-site"))).To(Succeed())
		Expect(env.CommandRunner.Calls("git rebase --abort")).To(HaveLen(1))
		Expect(env.CommandRunner.Calls("git merge --abort")).To(HaveLen(1))
		Expect(env.CommandRunner.Calls("git reset --hard")).To(BeEmpty())
	})
	It("should hard-reset surviving conflicts", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git diff --name-only --diff-filter=U",
			Result: runner.Result{Stdout: []byte("src/a.css\n")},
		})
		Expect(env.WorkspaceProvider.Recover(ctx, testWorkspace("amelia-site"))).To(Succeed())
		Expect(env.CommandRunner.Calls("git reset --hard")).To(HaveLen(1))
	})
})

var _ = Describe("Push", func() {
	It("should push cleanly on the first attempt", func() {
		pushed, err := env.WorkspaceProvider.Push(ctx, testWorkspace("amelia-site"), "thread-t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(BeTrue())
		Expect(env.CommandRunner.Calls("git push origin thread-t1")).To(HaveLen(1))
	})
	It("should rebase and retry a non-fast-forward rejection", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git push origin thread-t1",
			Result: runner.Result{ExitCode: 1, Stderr: []byte("! [rejected] thread-t1 (non-fast-forward)")},
			Times:  1,
		})
		pushed, err := env.WorkspaceProvider.Push(ctx, testWorkspace("amelia-site"), "thread-t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(BeTrue())
		Expect(env.CommandRunner.Calls("git pull --rebase origin thread-t1")).To(HaveLen(1))
		Expect(env.CommandRunner.Calls("git push origin thread-t1")).To(HaveLen(2))
	})
	It("should merge preferring local changes when the rebase conflicts", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git push origin thread-t1",
			Result: runner.Result{ExitCode: 1, Stderr: []byte("! [rejected] thread-t1 (fetch first)")},
			Times:  1,
		})
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git pull --rebase",
			Result: runner.Result{ExitCode: 1, Stderr: []byte("CONFLICT (content)")},
		})
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git pull origin",
			Result: runner.Result{ExitCode: 1, Stderr: []byte("CONFLICT (content): Merge conflict in src/a.css")},
		})
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git diff --name-only --diff-filter=U",
			Result: runner.Result{Stdout: []byte("src/a.css\n")},
		})
		pushed, err := env.WorkspaceProvider.Push(ctx, testWorkspace("amelia-site"), "thread-t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(BeTrue())
		Expect(env.CommandRunner.Calls("git checkout --ours src/a.css")).To(HaveLen(1))
		commits := env.CommandRunner.Calls("git commit")
		Expect(commits).To(HaveLen(1))
		Expect(commits[0].Argv[3]).To(ContainSubstring("preferring local changes"))
	})
	It("should surface a rejection that is not fast-forwardable", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: "git push origin thread-t1",
			Result: runner.Result{ExitCode: 1, Stderr: []byte("remote: permission denied")},
		})
		pushed, err := env.WorkspaceProvider.Push(ctx, testWorkspace("amelia-site"), "thread-t1")
		Expect(err).To(HaveOccurred())
		Expect(pushed).To(BeFalse())
		Expect(strings.Contains(err.Error(), "permission denied")).To(BeTrue())
	})
	It("should keep commits local when pushing is disabled", func() {
		local := workspace.NewProvider(env.CommandRunner, env.BranchCache, env.WorkspaceRoot,
			"Test Worker", "worker@test", "", false, 1)
		pushed, err := local.Push(ctx, testWorkspace("amelia-site"), "thread-t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(BeFalse())
		Expect(env.CommandRunner.Calls("git push")).To(BeEmpty())
	})
})
