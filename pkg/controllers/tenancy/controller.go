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

// Package tenancy supervises the worker's exclusive-ownership lifecycle: claim
// one tenant off the shared unclaimed queue, drain that tenant's work and
// preempt queues, keep the claim fresh, and release on preempt, idle, or
// shutdown. The worker owns at most one tenant at any time.
package tenancy

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	wocache "github.com/webordinary/edit-worker/pkg/cache"
	"github.com/webordinary/edit-worker/pkg/controllers/job"
	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/providers/claim"
	"github.com/webordinary/edit-worker/pkg/providers/workqueue"
	"github.com/webordinary/edit-worker/pkg/providers/workspace"
)

var (
	// errPreemptRelease ends the owned loop after a preempt ran its course.
	errPreemptRelease = stderrors.New("tenancy preempted")
	// errIdleRelease ends the owned loop when the tenant has been quiet past
	// the idle timeout.
	errIdleRelease = stderrors.New("tenancy idle")
)

type Controller struct {
	clk        clock.WithTicker
	claims     *claim.Provider
	queues     *workqueue.Provider
	workspaces *workspace.Provider
	jobs       *job.Controller
	contended  *wocache.ContendedTenants

	refreshInterval time.Duration
	idleTimeout     time.Duration
}

func NewController(clk clock.WithTicker, claims *claim.Provider, queues *workqueue.Provider, workspaces *workspace.Provider,
	jobs *job.Controller, contended *wocache.ContendedTenants, refreshInterval, idleTimeout time.Duration) *Controller {
	return &Controller{
		clk:             clk,
		claims:          claims,
		queues:          queues,
		workspaces:      workspaces,
		jobs:            jobs,
		contended:       contended,
		refreshInterval: refreshInterval,
		idleTimeout:     idleTimeout,
	}
}

// Run is the worker's top loop: poll the unclaimed queue, claim, own, repeat
// until the context ends. It only returns the context's error; everything else
// is logged and retried with backoff.
func (c *Controller) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	backoff := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := c.queues.ReceiveClaimRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(err, "receiving claim request")
			c.sleep(ctx, backoff.next())
			continue
		}
		backoff.reset()
		if item == nil {
			continue
		}
		tenant := item.Request.Tenant()
		if c.contended.IsContended(tenant) {
			// Recently lost a race over this tenant. Leave the request to its
			// visibility timeout; another worker can take it sooner.
			log.V(1).Info("skipping recently contended tenant", "tenant", tenant.Key())
			continue
		}
		if err := c.claims.Claim(ctx, tenant); err != nil {
			if stderrors.Is(err, errors.ErrClaimContended) {
				continue
			}
			log.Error(err, "claiming tenant", "tenant", tenant.Key())
			c.sleep(ctx, backoff.next())
			continue
		}
		if err := c.queues.Accept(ctx, item); err != nil {
			// The claim request redelivers and bounces off our live claim.
			log.Error(err, "accepting claim request", "tenant", tenant.Key())
		}
		c.owned(ctx, tenant, item.Request.QueueURL)
	}
}

// owned drains one claimed tenant: a work poller running jobs synchronously,
// a preempt poller, and a claim refresher that doubles as the idle watchdog.
// Whatever ends the loop, the tenancy's caches are flushed and the claim is
// released unless it was already lost.
func (c *Controller) owned(ctx context.Context, tenant identity.Tenant, queueURLHint string) {
	log := logging.FromContext(ctx).WithValues("tenant", tenant.Key())
	ctx = logging.IntoContext(ctx, log)

	workURL, err := c.queues.WorkQueueURL(ctx, tenant, queueURLHint)
	if err == nil {
		var preemptURL string
		if preemptURL, err = c.queues.PreemptQueueURL(ctx, tenant); err == nil {
			c.drain(ctx, tenant, workURL, preemptURL)
			return
		}
	}
	log.Error(err, "resolving tenant queues, releasing")
	c.teardown(ctx, tenant, err)
}

func (c *Controller) drain(ctx context.Context, tenant identity.Tenant, workURL, preemptURL string) {

	var jobRunning atomic.Bool
	var preemptSeen atomic.Bool
	var lastActivity atomic.Int64
	lastActivity.Store(c.clk.Now().UnixNano())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.pollWork(groupCtx, workURL, &jobRunning, &preemptSeen, &lastActivity)
	})
	group.Go(func() error {
		return c.pollPreempt(groupCtx, preemptURL, &preemptSeen)
	})
	group.Go(func() error {
		return c.refresh(groupCtx, tenant, &jobRunning, &lastActivity)
	})
	c.teardown(ctx, tenant, group.Wait())
}

func (c *Controller) teardown(ctx context.Context, tenant identity.Tenant, cause error) {
	log := logging.FromContext(ctx)
	c.jobs.ClearPending()
	c.queues.FlushTenancy()
	c.workspaces.FlushTenancy()

	outcome := releaseOutcome(ctx, cause)
	TenanciesTotal.WithLabelValues(outcome).Inc()
	log.Info("tenancy over", "outcome", outcome)

	// Losing the claim means someone else owns the record now; deleting it
	// would be sabotage. Every other exit releases, shutdown included.
	if stderrors.Is(cause, errors.ErrClaimLost) {
		return
	}
	releaseCtx := logging.IntoContext(context.WithoutCancel(ctx), log)
	if err := c.claims.Release(releaseCtx, tenant); err != nil {
		// The TTL reaps the record if this fails.
		log.Error(err, "releasing claim")
	}
}

// pollWork long-polls the tenant work queue and runs each job to its terminal
// outcome, strictly one at a time. A preempted job ends the tenancy; a failed
// job does not.
func (c *Controller) pollWork(ctx context.Context, queueURL string, jobRunning, preemptSeen *atomic.Bool, lastActivity *atomic.Int64) error {
	log := logging.FromContext(ctx)
	backoff := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := c.queues.ReceiveWork(ctx, queueURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(err, "receiving work")
			c.sleep(ctx, backoff.next())
			continue
		}
		backoff.reset()
		if item == nil {
			// An idle tenant with a delivered preempt has nothing left to
			// short-circuit; hand the tenant over now.
			if preemptSeen.Load() {
				return errPreemptRelease
			}
			continue
		}
		jobRunning.Store(true)
		preempted, err := c.jobs.Run(ctx, item)
		jobRunning.Store(false)
		lastActivity.Store(c.clk.Now().UnixNano())
		if err != nil {
			// The job already reported its own failure; the tenancy survives.
			log.Error(err, "job ended in failure")
		}
		if preempted {
			return errPreemptRelease
		}
	}
}

// pollPreempt watches the tenant preempt queue. On delivery it preempts the
// job controller, deletes the signal, and stops; the work poller ends the
// tenancy once the preempt has run its course.
func (c *Controller) pollPreempt(ctx context.Context, queueURL string, preemptSeen *atomic.Bool) error {
	log := logging.FromContext(ctx)
	backoff := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := c.queues.ReceivePreempt(ctx, queueURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(err, "receiving preempt")
			c.sleep(ctx, backoff.next())
			continue
		}
		backoff.reset()
		if item == nil {
			continue
		}
		log.Info("preempt received", "reason", item.Message.Reason)
		c.jobs.Preempt(item.Message.Reason)
		preemptSeen.Store(true)
		if err := c.queues.Delete(ctx, item.Item); err != nil {
			log.Error(err, "deleting preempt message")
		}
		return nil
	}
}

// refresh keeps the claim's TTL ahead of the clock and watches for idleness.
// A lost claim preempts the running job and ends the tenancy without release.
func (c *Controller) refresh(ctx context.Context, tenant identity.Tenant, jobRunning *atomic.Bool, lastActivity *atomic.Int64) error {
	log := logging.FromContext(ctx)
	ticker := c.clk.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := c.claims.Refresh(ctx, tenant); err != nil {
				if stderrors.Is(err, errors.ErrClaimLost) {
					c.jobs.Preempt("claim lost")
					return err
				}
				// Transient registry faults ride on the TTL slack.
				log.Error(err, "refreshing claim")
			}
			idle := c.clk.Now().Sub(time.Unix(0, lastActivity.Load()))
			if !jobRunning.Load() && idle >= c.idleTimeout {
				log.Info("idle timeout", "idle", idle)
				return errIdleRelease
			}
		}
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.clk.After(d):
	}
}

func releaseOutcome(ctx context.Context, cause error) string {
	switch {
	case stderrors.Is(cause, errors.ErrClaimLost):
		return "claim_lost"
	case stderrors.Is(cause, errIdleRelease):
		return "idle"
	case stderrors.Is(cause, errPreemptRelease):
		return "preempted"
	case ctx.Err() != nil:
		return "shutdown"
	default:
		return "error"
	}
}

// backoff is a full-jitter exponential delay for registry and queue faults.
type backoff struct {
	base, cap time.Duration
	next_     time.Duration
}

func newBackoff() *backoff {
	return &backoff{base: time.Second, cap: 30 * time.Second, next_: time.Second}
}

func (b *backoff) next() time.Duration {
	d := b.next_
	b.next_ = min(b.next_*2, b.cap)
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func (b *backoff) reset() {
	b.next_ = b.base
}
