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

// Package test wires every provider against fakes the way the operator wires
// them against AWS. Suites share one Environment and Reset between specs.
package test

import (
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
	clocktesting "k8s.io/utils/clock/testing"

	wocache "github.com/webordinary/edit-worker/pkg/cache"
	"github.com/webordinary/edit-worker/pkg/controllers/job"
	"github.com/webordinary/edit-worker/pkg/controllers/tenancy"
	"github.com/webordinary/edit-worker/pkg/fake"
	"github.com/webordinary/edit-worker/pkg/operator/options"
	"github.com/webordinary/edit-worker/pkg/providers/activejob"
	"github.com/webordinary/edit-worker/pkg/providers/callback"
	"github.com/webordinary/edit-worker/pkg/providers/claim"
	"github.com/webordinary/edit-worker/pkg/providers/codemod"
	"github.com/webordinary/edit-worker/pkg/providers/publisher"
	"github.com/webordinary/edit-worker/pkg/providers/workqueue"
	"github.com/webordinary/edit-worker/pkg/providers/workspace"
)

type Environment struct {
	Clock   *clocktesting.FakeClock
	Options *options.Options

	SQSAPI        *fake.SQSAPI
	DynamoDBAPI   *fake.DynamoDBAPI
	SFNAPI        *fake.SFNAPI
	S3API         *fake.S3API
	CommandRunner *fake.CommandRunner

	QueueURLCache    *gocache.Cache
	BranchCache      *gocache.Cache
	ContendedTenants *wocache.ContendedTenants

	ClaimProvider     *claim.Provider
	ActiveJobProvider *activejob.Provider
	WorkQueueProvider *workqueue.Provider
	CallbackProvider  *callback.Provider
	WorkspaceProvider *workspace.Provider
	CodeModProvider   *codemod.Provider
	PublisherProvider *publisher.Provider

	JobController     *job.Controller
	TenancyController *tenancy.Controller

	WorkspaceRoot string
}

// NewOptions returns worker options with test-friendly defaults: no flag
// parsing, a fixed worker id, and polling trimmed to keep fake queues snappy.
func NewOptions() *options.Options {
	opts := options.New()
	opts.WorkerID = "worker-test"
	opts.AccountID = "000000000000"
	opts.WorkPollWaitSecs = 0
	opts.PreemptPollWaitSecs = 0
	return opts
}

func NewEnvironment(opts *options.Options) *Environment {
	root, err := os.MkdirTemp("", "edit-worker-test-")
	if err != nil {
		panic(err)
	}
	opts.WorkspaceRoot = root

	env := &Environment{
		Clock:            clocktesting.NewFakeClock(time.Now()),
		Options:          opts,
		SQSAPI:           &fake.SQSAPI{},
		DynamoDBAPI:      &fake.DynamoDBAPI{},
		SFNAPI:           &fake.SFNAPI{},
		S3API:            &fake.S3API{},
		CommandRunner:    fake.NewCommandRunner(),
		QueueURLCache:    gocache.New(wocache.DefaultTTL, wocache.DefaultCleanupInterval),
		BranchCache:      gocache.New(wocache.DefaultTTL, wocache.DefaultCleanupInterval),
		ContendedTenants: wocache.NewContendedTenants(),
		WorkspaceRoot:    root,
	}
	env.ClaimProvider = claim.NewProvider(env.DynamoDBAPI, env.Clock, env.ContendedTenants,
		opts.ClaimTableName, opts.WorkerID, opts.ClaimTTL())
	env.ActiveJobProvider = activejob.NewProvider(env.DynamoDBAPI, env.Clock,
		opts.ActiveJobsTableName, opts.WorkerID, opts.ClaimTTL())
	env.WorkQueueProvider = workqueue.NewProvider(env.SQSAPI, env.QueueURLCache,
		opts.Region, opts.AccountID, opts.UnclaimedQueueName, opts.WorkPollWait(), opts.PreemptPollWait())
	env.CallbackProvider = callback.NewProvider(env.SFNAPI)
	env.WorkspaceProvider = workspace.NewProvider(env.CommandRunner, env.BranchCache,
		opts.WorkspaceRoot, opts.GitUserName, opts.GitUserEmail, opts.GithubToken, opts.GitPushEnabled, opts.GitPushRetries)
	env.CodeModProvider = codemod.NewProvider(env.CommandRunner, env.Clock,
		opts.CodeModCommand, opts.CodeModMaxTurns, opts.CodeModOutputTokCap)
	env.PublisherProvider = publisher.NewProvider(env.CommandRunner, env.S3API, env.S3API,
		opts.BuildCommandArgv(), opts.PublishConcurrency)
	env.JobController = job.NewController(env.Clock, env.ActiveJobProvider, env.WorkQueueProvider,
		env.CallbackProvider, env.WorkspaceProvider, env.CodeModProvider, env.PublisherProvider,
		opts.HeartbeatInterval(), opts.LeaseExtendInterval(), opts.LeaseExtension(), opts.SiteBucketSuffix)
	env.TenancyController = tenancy.NewController(env.Clock, env.ClaimProvider, env.WorkQueueProvider,
		env.WorkspaceProvider, env.JobController, env.ContendedTenants, opts.RefreshInterval(), opts.IdleTimeout())
	return env
}

// Reset must be called between tests otherwise tests will pollute each other.
func (env *Environment) Reset() {
	env.SQSAPI.Reset()
	env.DynamoDBAPI.Reset()
	env.SFNAPI.Reset()
	env.S3API.Reset()
	env.CommandRunner.Reset()
	env.QueueURLCache.Flush()
	env.BranchCache.Flush()
	env.ContendedTenants.Flush()
	env.JobController.ClearPending()
}

// Cleanup removes the temporary workspace root.
func (env *Environment) Cleanup() {
	_ = os.RemoveAll(env.WorkspaceRoot)
}
