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

// Package operator assembles the worker: AWS clients, caches, providers, the
// controllers on top of them, and the metrics and health endpoints.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	"github.com/go-chi/chi/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"

	wocache "github.com/webordinary/edit-worker/pkg/cache"
	"github.com/webordinary/edit-worker/pkg/controllers/job"
	"github.com/webordinary/edit-worker/pkg/controllers/tenancy"
	"github.com/webordinary/edit-worker/pkg/metrics"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/operator/options"
	"github.com/webordinary/edit-worker/pkg/providers/activejob"
	"github.com/webordinary/edit-worker/pkg/providers/callback"
	"github.com/webordinary/edit-worker/pkg/providers/claim"
	"github.com/webordinary/edit-worker/pkg/providers/codemod"
	"github.com/webordinary/edit-worker/pkg/providers/publisher"
	"github.com/webordinary/edit-worker/pkg/providers/workqueue"
	"github.com/webordinary/edit-worker/pkg/providers/workspace"
	"github.com/webordinary/edit-worker/pkg/utils/runner"
)

const (
	// Version is the worker version, stamped at build time.
	Version = "unversioned"

	serverShutdownGrace = 5 * time.Second
)

type Operator struct {
	Options *options.Options
	Config  aws.Config
	Clock   clock.Clock

	ContendedTenants  *wocache.ContendedTenants
	ClaimProvider     *claim.Provider
	ActiveJobProvider *activejob.Provider
	WorkQueueProvider *workqueue.Provider
	CallbackProvider  *callback.Provider
	WorkspaceProvider *workspace.Provider
	CodeModProvider   *codemod.Provider
	PublisherProvider *publisher.Provider

	JobController     *job.Controller
	TenancyController *tenancy.Controller
}

func NewOperator(ctx context.Context, opts *options.Options) (context.Context, *Operator, error) {
	logger := logging.NewLogger(opts.LogLevel)
	ctx = logging.IntoContext(ctx, logger)
	ctx = options.ToContext(ctx, opts)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = 5
			})
		}),
		config.WithAPIOptions([]func(*smithymiddleware.Stack) error{
			middleware.AddUserAgentKeyValue("edit-worker", Version),
		}),
	)
	if err != nil {
		return ctx, nil, fmt.Errorf("loading AWS configuration, %w", err)
	}
	cfg = prometheusv2.WithPrometheusMetrics(cfg, metrics.Registry)

	sqsapi := sqs.NewFromConfig(cfg)
	dynamodbapi := dynamodb.NewFromConfig(cfg)
	sfnapi := sfn.NewFromConfig(cfg)
	s3api := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(s3api)
	run := runner.NewOSRunner()
	clk := clock.RealClock{}

	contended := wocache.NewContendedTenants()
	claimProvider := claim.NewProvider(dynamodbapi, clk, contended, opts.ClaimTableName, opts.WorkerID, opts.ClaimTTL())
	activeJobProvider := activejob.NewProvider(dynamodbapi, clk, opts.ActiveJobsTableName, opts.WorkerID, opts.ClaimTTL())
	workQueueProvider := workqueue.NewProvider(sqsapi,
		gocache.New(wocache.DefaultTTL, wocache.DefaultCleanupInterval),
		opts.Region, opts.AccountID, opts.UnclaimedQueueName, opts.WorkPollWait(), opts.PreemptPollWait())
	callbackProvider := callback.NewProvider(sfnapi)
	workspaceProvider := workspace.NewProvider(run,
		gocache.New(wocache.DefaultTTL, wocache.DefaultCleanupInterval),
		opts.WorkspaceRoot, opts.GitUserName, opts.GitUserEmail, opts.GithubToken, opts.GitPushEnabled, opts.GitPushRetries)
	codeModProvider := codemod.NewProvider(run, clk, opts.CodeModCommand, opts.CodeModMaxTurns, opts.CodeModOutputTokCap)
	publisherProvider := publisher.NewProvider(run, s3api, uploader, opts.BuildCommandArgv(), opts.PublishConcurrency)

	jobController := job.NewController(clk, activeJobProvider, workQueueProvider, callbackProvider,
		workspaceProvider, codeModProvider, publisherProvider,
		opts.HeartbeatInterval(), opts.LeaseExtendInterval(), opts.LeaseExtension(), opts.SiteBucketSuffix)
	tenancyController := tenancy.NewController(clk, claimProvider, workQueueProvider, workspaceProvider,
		jobController, contended, opts.RefreshInterval(), opts.IdleTimeout())

	logger.Info("operator assembled",
		"workerID", opts.WorkerID, "region", opts.Region, "version", Version)
	return ctx, &Operator{
		Options:           opts,
		Config:            cfg,
		Clock:             clk,
		ContendedTenants:  contended,
		ClaimProvider:     claimProvider,
		ActiveJobProvider: activeJobProvider,
		WorkQueueProvider: workQueueProvider,
		CallbackProvider:  callbackProvider,
		WorkspaceProvider: workspaceProvider,
		CodeModProvider:   codeModProvider,
		PublisherProvider: publisherProvider,
		JobController:     jobController,
		TenancyController: tenancyController,
	}, nil
}

// Start runs the tenancy loop and the metrics and health endpoints until the
// context ends, then drains the HTTP servers.
func (o *Operator) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return o.TenancyController.Run(groupCtx)
	})
	group.Go(func() error {
		return o.serve(groupCtx, o.Options.MetricsPort, o.metricsMux())
	})
	group.Go(func() error {
		return o.serve(groupCtx, o.Options.HealthProbePort, o.healthMux())
	})
	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (o *Operator) metricsMux() http.Handler {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (o *Operator) healthMux() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (o *Operator) serve(ctx context.Context, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("serving on port %d, %w", port, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
