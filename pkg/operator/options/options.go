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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/webordinary/edit-worker/pkg/apis"
	"github.com/webordinary/edit-worker/pkg/utils/env"
)

type optionsKey struct{}

// Options for running this binary. The configuration is immutable after
// MustParse; per-job values travel as parameters, never through the process
// environment.
type Options struct {
	*flag.FlagSet
	// Process
	WorkerID        string
	WorkspaceRoot   string
	Region          string
	AccountID       string
	LogLevel        string
	MetricsPort     int
	HealthProbePort int
	// Tenancy
	UnclaimedQueueName  string
	ClaimTableName      string
	ActiveJobsTableName string
	ClaimTTLSecs        int
	RefreshIntervalSecs int
	IdleTimeoutMs       int64
	// Job lifecycle
	HeartbeatIntervalSecs   int
	LeaseExtendIntervalMins int
	LeaseExtendSecs         int
	WorkPollWaitSecs        int
	PreemptPollWaitSecs     int
	// Code-mod subprocess
	CodeModCommand      string
	CodeModMaxTurns     int
	CodeModOutputTokCap int
	// Build and publish
	BuildCommand       string
	PublishConcurrency int
	SiteBucketSuffix   string
	// Git
	GitPushEnabled bool
	GitPushRetries int
	GitUserName    string
	GitUserEmail   string
	GithubToken    string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("edit-worker", flag.ContinueOnError)
	opts.FlagSet = f

	// Process
	f.StringVar(&opts.WorkerID, "worker-id", env.WithDefaultString("WORKER_ID", ""), "Stable identity of this worker in the claim registry. Generated when empty.")
	f.StringVar(&opts.WorkspaceRoot, "workspace-root", env.WithDefaultString("WORKSPACE_ROOT", "/workspace"), "Root directory for per-tenant repository checkouts")
	f.StringVar(&opts.Region, "region", env.WithDefaultString("AWS_REGION", "us-west-2"), "Cloud region for queues, tables, and buckets")
	f.StringVar(&opts.AccountID, "account-id", env.WithDefaultString("ACCOUNT_ID", ""), "Account id used in deterministic queue URL templates. When empty, queue URLs are resolved by name lookup.")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level: debug, info, warn, or error")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the worker itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting worker health")

	// Tenancy
	f.StringVar(&opts.UnclaimedQueueName, "unclaimed-queue", env.WithDefaultString("UNCLAIMED_QUEUE_NAME", "webordinary-unclaimed"), "Name of the shared queue carrying CLAIM_REQUEST messages")
	f.StringVar(&opts.ClaimTableName, "claim-table", env.WithDefaultString("CLAIM_TABLE_NAME", apis.DefaultClaimTable), "Name of the tenant ownership table")
	f.StringVar(&opts.ActiveJobsTableName, "active-jobs-table", env.WithDefaultString("ACTIVE_JOBS_TABLE_NAME", apis.DefaultActiveJobsTable), "Name of the active-jobs table")
	f.IntVar(&opts.ClaimTTLSecs, "claim-ttl-secs", env.WithDefaultInt("CLAIM_TTL_SECS", 3600), "TTL in seconds installed on claim and refresh")
	f.IntVar(&opts.RefreshIntervalSecs, "refresh-interval-secs", env.WithDefaultInt("REFRESH_INTERVAL_SECS", 30), "Claim refresh cadence in seconds")
	f.Int64Var(&opts.IdleTimeoutMs, "idle-timeout-ms", env.WithDefaultInt64("IDLE_TIMEOUT_MS", 300000), "Milliseconds without work before the owned loop releases the tenant")

	// Job lifecycle
	f.IntVar(&opts.HeartbeatIntervalSecs, "heartbeat-interval-secs", env.WithDefaultInt("HEARTBEAT_INTERVAL_SECS", 30), "Orchestrator heartbeat cadence in seconds while a job is in flight")
	f.IntVar(&opts.LeaseExtendIntervalMins, "lease-extend-interval-mins", env.WithDefaultInt("LEASE_EXTEND_INTERVAL_MINS", 50), "Work message lease extension cadence in minutes")
	f.IntVar(&opts.LeaseExtendSecs, "lease-extend-secs", env.WithDefaultInt("LEASE_EXTEND_SECS", 3600), "Seconds of invisibility added per lease extension")
	f.IntVar(&opts.WorkPollWaitSecs, "work-poll-wait-secs", env.WithDefaultInt("WORK_POLL_WAIT_SECS", 20), "Work queue long-poll timeout in seconds")
	f.IntVar(&opts.PreemptPollWaitSecs, "preempt-poll-wait-secs", env.WithDefaultInt("PREEMPT_POLL_WAIT_SECS", 5), "Preempt queue poll timeout in seconds")

	// Code-mod subprocess
	f.StringVar(&opts.CodeModCommand, "code-mod-command", env.WithDefaultString("CODE_MOD_COMMAND", "claude"), "Executable invoked to apply instructions to the workspace")
	f.IntVar(&opts.CodeModMaxTurns, "code-mod-max-turns", env.WithDefaultInt("CODE_MOD_MAX_TURNS", 3), "Maximum conversation turns for the code-mod subprocess")
	f.IntVar(&opts.CodeModOutputTokCap, "code-mod-output-token-cap", env.WithDefaultInt("CODE_MOD_OUTPUT_TOK_CAP", 4096), "Output token cap for the code-mod subprocess")

	// Build and publish
	f.StringVar(&opts.BuildCommand, "build-command", env.WithDefaultString("BUILD_COMMAND", "npm run build"), "Command that builds the site into dist/ under the workspace")
	f.IntVar(&opts.PublishConcurrency, "publish-concurrency", env.WithDefaultInt("PUBLISH_CONCURRENCY", 8), "Concurrent object uploads during publish")
	f.StringVar(&opts.SiteBucketSuffix, "site-bucket-suffix", env.WithDefaultString("SITE_BUCKET_SUFFIX", apis.DefaultSiteBucketSuffix), "Domain suffix of per-project site buckets, edit.<projectId>.<suffix>")

	// Git
	f.BoolVar(&opts.GitPushEnabled, "git-push-enabled", env.WithDefaultBool("GIT_PUSH_ENABLED", true), "Master switch for pushing thread branches to the remote")
	f.IntVar(&opts.GitPushRetries, "git-push-retries", env.WithDefaultInt("GIT_PUSH_RETRIES", 3), "Attempts before safe-push gives up")
	f.StringVar(&opts.GitUserName, "git-user-name", env.WithDefaultString("GIT_USER_NAME", "Webordinary Edit Worker"), "Author name written on worker commits")
	f.StringVar(&opts.GitUserEmail, "git-user-email", env.WithDefaultString("GIT_USER_EMAIL", "worker@webordinary.com"), "Author email written on worker commits")
	f.StringVar(&opts.GithubToken, "github-token", env.WithDefaultString("GITHUB_TOKEN", ""), "Token installed into the git credential helper at workspace init. Optional for public repos.")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated; configuration errors exit with code 1.
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(o.Output(), "parsing flags, %s\n", err)
		os.Exit(1)
	}
	if o.WorkerID == "" {
		o.WorkerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	if err := o.Validate(); err != nil {
		fmt.Fprintf(o.Output(), "validating options, %s\n", err)
		os.Exit(1)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.WorkspaceRoot == "" {
		err = multierr.Append(err, fmt.Errorf("WORKSPACE_ROOT is required"))
	}
	if o.ClaimTTLSecs <= 0 {
		err = multierr.Append(err, fmt.Errorf("claim-ttl-secs must be positive"))
	}
	if o.RefreshIntervalSecs <= 0 || o.RefreshIntervalSecs >= o.ClaimTTLSecs {
		err = multierr.Append(err, fmt.Errorf("refresh-interval-secs must be positive and below claim-ttl-secs"))
	}
	if o.IdleTimeoutMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("idle-timeout-ms must be positive"))
	}
	if o.HeartbeatIntervalSecs <= 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat-interval-secs must be positive"))
	}
	if o.LeaseExtendIntervalMins <= 0 || time.Duration(o.LeaseExtendIntervalMins)*time.Minute >= time.Duration(o.LeaseExtendSecs)*time.Second {
		err = multierr.Append(err, fmt.Errorf("lease-extend-interval-mins must be positive and below lease-extend-secs"))
	}
	// SQS rejects long-poll waits above 20 seconds.
	if o.WorkPollWaitSecs < 0 || o.WorkPollWaitSecs > 20 {
		err = multierr.Append(err, fmt.Errorf("work-poll-wait-secs must be within [0, 20]"))
	}
	if o.PreemptPollWaitSecs < 0 || o.PreemptPollWaitSecs > 20 {
		err = multierr.Append(err, fmt.Errorf("preempt-poll-wait-secs must be within [0, 20]"))
	}
	if o.CodeModCommand == "" {
		err = multierr.Append(err, fmt.Errorf("code-mod-command is required"))
	}
	if o.CodeModMaxTurns <= 0 {
		err = multierr.Append(err, fmt.Errorf("code-mod-max-turns must be positive"))
	}
	if o.BuildCommand == "" {
		err = multierr.Append(err, fmt.Errorf("build-command is required"))
	}
	if o.PublishConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("publish-concurrency must be at least 1"))
	}
	if o.SiteBucketSuffix == "" {
		err = multierr.Append(err, fmt.Errorf("site-bucket-suffix is required"))
	}
	if o.GitPushRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("git-push-retries may not be negative"))
	}
	return err
}

func (o Options) ClaimTTL() time.Duration {
	return time.Duration(o.ClaimTTLSecs) * time.Second
}

func (o Options) RefreshInterval() time.Duration {
	return time.Duration(o.RefreshIntervalSecs) * time.Second
}

func (o Options) IdleTimeout() time.Duration {
	return time.Duration(o.IdleTimeoutMs) * time.Millisecond
}

func (o Options) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalSecs) * time.Second
}

func (o Options) LeaseExtendInterval() time.Duration {
	return time.Duration(o.LeaseExtendIntervalMins) * time.Minute
}

func (o Options) LeaseExtension() time.Duration {
	return time.Duration(o.LeaseExtendSecs) * time.Second
}

func (o Options) WorkPollWait() time.Duration {
	return time.Duration(o.WorkPollWaitSecs) * time.Second
}

func (o Options) PreemptPollWait() time.Duration {
	return time.Duration(o.PreemptPollWaitSecs) * time.Second
}

// BuildCommandArgv splits the configured build command into an argv.
func (o Options) BuildCommandArgv() []string {
	return strings.Fields(o.BuildCommand)
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
