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

// Package job runs one work message at a time through its lifecycle: accept,
// prepare the workspace, code-mod, commit, build, publish, push, report.
// Exactly one terminal callback leaves this package per consumed message,
// preemption included.
package job

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/messages"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/providers/activejob"
	"github.com/webordinary/edit-worker/pkg/providers/callback"
	"github.com/webordinary/edit-worker/pkg/providers/codemod"
	"github.com/webordinary/edit-worker/pkg/providers/publisher"
	"github.com/webordinary/edit-worker/pkg/providers/workqueue"
	"github.com/webordinary/edit-worker/pkg/providers/workspace"
)

const (
	stagePrepare = "prepare"
	stageCodeMod = "codemod"
	stageCommit  = "commit"
	stageBuild   = "build"
	stagePublish = "publish"
	stagePush    = "push"
)

type Controller struct {
	clk        clock.WithTicker
	activeJobs *activejob.Provider
	queues     *workqueue.Provider
	callbacks  *callback.Provider
	workspaces *workspace.Provider
	codemods   *codemod.Provider
	publishers *publisher.Provider

	heartbeatInterval   time.Duration
	leaseExtendInterval time.Duration
	leaseExtension      time.Duration
	siteBucketSuffix    string

	mu            sync.Mutex
	cancelRunning context.CancelCauseFunc
	pendingReason string
	hasPending    bool
}

func NewController(clk clock.WithTicker, activeJobs *activejob.Provider, queues *workqueue.Provider, callbacks *callback.Provider,
	workspaces *workspace.Provider, codemods *codemod.Provider, publishers *publisher.Provider,
	heartbeatInterval, leaseExtendInterval, leaseExtension time.Duration, siteBucketSuffix string) *Controller {
	return &Controller{
		clk:                 clk,
		activeJobs:          activeJobs,
		queues:              queues,
		callbacks:           callbacks,
		workspaces:          workspaces,
		codemods:            codemods,
		publishers:          publishers,
		heartbeatInterval:   heartbeatInterval,
		leaseExtendInterval: leaseExtendInterval,
		leaseExtension:      leaseExtension,
		siteBucketSuffix:    siteBucketSuffix,
	}
}

// preemptCause carries the preempt reason through context cancellation.
type preemptCause struct {
	reason string
}

func (p *preemptCause) Error() string {
	return "preempted, " + p.reason
}

// Preempt cancels the running job's subprocess path, or records a pending
// preempt consumed by the next accept when no job runs. Idempotent: duplicate
// preempts cancel the same job.
func (c *Controller) Preempt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRunning != nil {
		c.cancelRunning(&preemptCause{reason: reason})
		return
	}
	c.hasPending = true
	c.pendingReason = reason
}

// ClearPending drops any recorded preempt. Called when tenancy is released so
// no state leaks into the next claim.
func (c *Controller) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPending = false
	c.pendingReason = ""
}

// Run processes one work message to a terminal outcome. It returns whether
// the job was preempted, in which case the supervisor releases the tenancy.
// A returned error never means a missing callback; it is surfaced for
// logging only.
func (c *Controller) Run(ctx context.Context, item *workqueue.WorkItem) (bool, error) {
	msg := item.Message
	tenant := identity.Tenant{ProjectID: msg.ProjectID, UserID: msg.UserID}
	log := logging.FromContext(ctx).WithValues(
		"tenant", tenant.Key(), "messageID", msg.MessageID, "threadID", msg.ThreadID)
	ctx = logging.IntoContext(ctx, log)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	pendingReason, hadPending := c.acceptCancel(cancel)
	defer c.clearCancel()

	// Accept: the active-job record is advisory for the orchestrator; a
	// failed write is logged, not terminal, and TTL heals any leftovers.
	if err := c.activeJobs.Start(ctx, tenant, msg.MessageID, msg.TaskToken, item.ReceiptHandle, msg.ThreadID); err != nil {
		log.Error(err, "recording active job")
	}
	hbCtx, stopTickers := context.WithCancel(context.WithoutCancel(ctx))
	var tickers sync.WaitGroup
	tickers.Add(2)
	go c.runHeartbeat(hbCtx, &tickers, tenant, msg.TaskToken, msg.MessageID)
	go c.runLeaseExtender(hbCtx, &tickers, item)

	var once sync.Once
	finish := func(emit func(context.Context)) {
		once.Do(func() {
			stopTickers()
			tickers.Wait()
			endCtx := context.WithoutCancel(ctx)
			emit(endCtx)
			// Deleting the work message unblocks the FIFO partition even on
			// preemption; the orchestrator owns any retry.
			if err := c.queues.Delete(endCtx, item.Item); err != nil {
				log.Error(err, "deleting work message")
			}
			if err := c.activeJobs.Finish(endCtx, tenant, msg.MessageID); err != nil {
				log.Error(err, "clearing active job")
			}
		})
	}

	// A preempt recorded while idle short-circuits: no subprocess is ever
	// spawned for this message.
	if hadPending {
		log.Info("preempt pending at accept, skipping job", "reason", pendingReason)
		finish(func(endCtx context.Context) {
			c.fail(endCtx, msg.TaskToken, errors.CodePreempted, pendingReason)
		})
		PreemptsTotal.WithLabelValues("accept").Inc()
		JobsTotal.WithLabelValues(string(errors.CodePreempted)).Inc()
		return true, nil
	}

	r := &run{c: c, msg: msg, tenant: tenant}
	result, err := r.execute(jobCtx)
	switch {
	case err == nil:
		finish(func(endCtx context.Context) {
			if err := c.callbacks.Succeed(endCtx, msg.TaskToken, result); err != nil {
				log.Error(err, "sending success callback")
			}
		})
		JobsTotal.WithLabelValues("success").Inc()
		log.Info("job succeeded",
			"filesChanged", len(result.FilesChanged), "buildOk", result.BuildOk,
			"publishOk", result.PublishOk, "pushOk", result.PushOk)
		return false, nil

	case errors.IsInterrupted(err):
		reason := preemptReason(jobCtx)
		PreemptsTotal.WithLabelValues(r.stage).Inc()
		log.Info("job preempted", "stage", r.stage, "reason", reason)
		c.salvage(logging.IntoContext(context.WithoutCancel(ctx), log), r)
		finish(func(endCtx context.Context) {
			c.fail(endCtx, msg.TaskToken, errors.CodePreempted, reason)
		})
		JobsTotal.WithLabelValues(string(errors.CodePreempted)).Inc()
		return true, nil

	default:
		code := errors.CodeOf(err)
		log.Error(err, "job failed", "stage", r.stage, "code", code)
		finish(func(endCtx context.Context) {
			c.fail(endCtx, msg.TaskToken, code, err.Error())
		})
		JobsTotal.WithLabelValues(string(code)).Inc()
		return false, err
	}
}

// run is the mutable state of one job execution.
type run struct {
	c      *Controller
	msg    *messages.WorkMessage
	tenant identity.Tenant

	ws         *workspace.Workspace
	branch     string
	stage      string
	stageStart time.Time
	committed  bool
	result     messages.JobResult
}

// setStage records the transition and the time spent in the stage it leaves.
func (r *run) setStage(stage string) {
	now := r.c.clk.Now()
	if r.stage != "" {
		StageDuration.WithLabelValues(r.stage).Observe(now.Sub(r.stageStart).Seconds())
	}
	r.stage = stage
	r.stageStart = now
}

func (r *run) execute(ctx context.Context) (*messages.JobResult, error) {
	c := r.c

	r.setStage(stagePrepare)
	ws, err := c.workspaces.Init(ctx, r.tenant, r.msg.RepoURL)
	if err != nil {
		return nil, r.gitError(ctx, err)
	}
	r.ws = ws
	branch, err := c.workspaces.EnsureBranch(ctx, ws, r.msg.ThreadID)
	if err != nil {
		return nil, r.gitError(ctx, err)
	}
	r.branch = branch

	r.setStage(stageCodeMod)
	mod, err := c.codemods.Run(ctx, ws.Dir, r.msg.Instruction)
	if mod != nil {
		r.result.SessionID = mod.SessionID
		r.result.Summary = mod.Output
		r.result.CostUSD = mod.CostUSD
		r.result.DurationMs = mod.Duration.Milliseconds()
	}
	if err != nil {
		return nil, err
	}
	files, err := c.workspaces.ChangedFiles(ctx, ws)
	if err != nil {
		return nil, r.gitError(ctx, err)
	}
	r.result.FilesChanged = files

	if len(files) > 0 {
		r.setStage(stageCommit)
		subject, body := FormatCommitMessage(CommitInput{
			Instruction:  r.msg.Instruction,
			FilesChanged: files,
			SessionID:    r.result.SessionID,
			UserID:       r.msg.UserID,
			Now:          c.clk.Now(),
		})
		committed, err := c.workspaces.Commit(ctx, ws, subject, body)
		if err != nil {
			return nil, r.gitError(ctx, err)
		}
		r.committed = committed
	}

	r.setStage(stageBuild)
	buildOk, err := c.publishers.Build(ctx, ws.Dir)
	if err != nil {
		if errors.IsInterrupted(err) {
			return nil, err
		}
		// A build that cannot even spawn is reported like a failed build:
		// the commit still pushes and the orchestrator learns buildOk=false.
		logging.FromContext(ctx).Error(err, "running build")
		buildOk = false
	}
	r.result.BuildOk = buildOk

	if buildOk {
		r.setStage(stagePublish)
		bucket := identity.SiteBucketName(r.tenant.ProjectID, c.siteBucketSuffix)
		_, publishOk, err := c.publishers.Sync(ctx, ws.Dir, bucket)
		if err != nil {
			if errors.IsInterrupted(err) {
				return nil, err
			}
			logging.FromContext(ctx).Error(err, "publishing site")
			publishOk = false
		}
		r.result.PublishOk = publishOk
		if publishOk {
			r.result.PreviewURL = "https://" + bucket
		}
	}

	// No changes means nothing to push; build and publish above still ran.
	if r.committed {
		r.setStage(stagePush)
		pushed, err := c.workspaces.Push(ctx, ws, branch)
		r.result.PushOk = pushed
		if err != nil {
			if errors.IsInterrupted(err) {
				return nil, err
			}
			if r.result.BuildOk && r.result.PublishOk {
				// The commit is durable locally and the site is live; report
				// success and let the next job's safe-push converge.
				logging.FromContext(ctx).Error(err, "pushing branch, reporting success anyway", "branch", branch)
			} else {
				return nil, errors.NewJobError(errors.CodeGitFailed, r.stage, err)
			}
		}
	}

	r.result.Success = true
	return &r.result, nil
}

// gitError classifies a workspace failure, recognizing the preempt path when
// the cancellation raced a git operation.
func (r *run) gitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.NewInterruptError(r.stage + " interrupted")
	}
	return errors.NewJobError(errors.CodeGitFailed, r.stage, err)
}

// salvage makes partial work durable after a preempt: recover the tree,
// commit WIP, best-effort publish when the build stage was interrupted, and
// push. Runs detached from the canceled job context.
func (c *Controller) salvage(ctx context.Context, r *run) {
	if r.ws == nil {
		return
	}
	var errs error
	if err := c.workspaces.Recover(ctx, r.ws); err != nil {
		errs = multierr.Append(errs, err)
	}
	files, err := c.workspaces.ChangedFiles(ctx, r.ws)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	if len(files) > 0 {
		subject, body := FormatCommitMessage(CommitInput{
			FilesChanged: files,
			SessionID:    r.result.SessionID,
			UserID:       r.msg.UserID,
			Interrupted:  true,
			Now:          c.clk.Now(),
		})
		if _, err := c.workspaces.Commit(ctx, r.ws, subject, body); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if r.stage == stageBuild || r.stage == stagePublish {
		bucket := identity.SiteBucketName(r.tenant.ProjectID, c.siteBucketSuffix)
		if _, _, err := c.publishers.Sync(ctx, r.ws.Dir, bucket); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if r.branch != "" {
		if _, err := c.workspaces.Push(ctx, r.ws, r.branch); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		logging.FromContext(ctx).Error(errs, "salvaging preempted job")
	}
}

func (c *Controller) fail(ctx context.Context, taskToken string, code errors.Code, cause string) {
	if err := c.callbacks.Fail(ctx, taskToken, code, cause); err != nil {
		logging.FromContext(ctx).Error(err, "sending failure callback", "code", code)
	}
}

func (c *Controller) runHeartbeat(ctx context.Context, wg *sync.WaitGroup, tenant identity.Tenant, taskToken, messageID string) {
	defer wg.Done()
	ticker := c.clk.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.callbacks.Heartbeat(ctx, taskToken); err != nil {
				logging.FromContext(ctx).Error(err, "sending heartbeat")
			}
			if err := c.activeJobs.Heartbeat(ctx, tenant, messageID); err != nil {
				logging.FromContext(ctx).Error(err, "refreshing active job")
			}
		}
	}
}

func (c *Controller) runLeaseExtender(ctx context.Context, wg *sync.WaitGroup, item *workqueue.WorkItem) {
	defer wg.Done()
	ticker := c.clk.NewTicker(c.leaseExtendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.queues.ExtendLease(ctx, item.Item, c.leaseExtension); err != nil {
				logging.FromContext(ctx).Error(err, "extending work message lease")
			}
		}
	}
}

// acceptCancel registers the running job's cancel hook and consumes any
// pending preempt in the same critical section, so a preempt can never slip
// between the idle check and the job start.
func (c *Controller) acceptCancel(cancel context.CancelCauseFunc) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, had := c.pendingReason, c.hasPending
	c.pendingReason, c.hasPending = "", false
	c.cancelRunning = cancel
	return reason, had
}

func (c *Controller) clearCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRunning = nil
}

func preemptReason(jobCtx context.Context) string {
	var cause *preemptCause
	if stderrors.As(context.Cause(jobCtx), &cause) {
		return cause.reason
	}
	// The root context went away underneath us: process shutdown.
	return "shutdown"
}
