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

// Package publisher turns the workspace into a live site: a build subprocess
// producing dist/, then a mirror sync of dist/ to the tenant project's S3
// bucket with deletion of stale objects.
package publisher

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/utils/runner"
)

const (
	// DistDir is the build output directory under the workspace.
	DistDir = "dist"

	interruptGrace = 5 * time.Second

	// deleteBatchSize is the S3 DeleteObjects limit.
	deleteBatchSize = 1000
)

// SyncSummary counts what the mirror sync did, feeding the publish metrics.
type SyncSummary struct {
	Uploaded int
	Deleted  int
}

type Provider struct {
	run      runner.CommandRunner
	s3api    sdk.S3API
	uploader sdk.S3UploadAPI

	buildArgv   []string
	concurrency int
}

func NewProvider(run runner.CommandRunner, s3api sdk.S3API, uploader sdk.S3UploadAPI, buildArgv []string, concurrency int) *Provider {
	return &Provider{
		run:         run,
		s3api:       s3api,
		uploader:    uploader,
		buildArgv:   buildArgv,
		concurrency: concurrency,
	}
}

// Build runs the site build in the workspace with a production environment.
// A non-zero exit is not fatal to the surrounding job: it returns
// (false, nil) and the job still pushes its commits. SIGINT surfaces as an
// InterruptError so the preempt path can attempt a partial sync.
func (p *Provider) Build(ctx context.Context, workdir string) (bool, error) {
	res, err := p.run.Run(ctx, runner.Command{
		Dir:         workdir,
		Argv:        p.buildArgv,
		Env:         []string{"NODE_ENV=production"},
		GracePeriod: interruptGrace,
	})
	if err != nil {
		return false, errors.NewJobError(errors.CodeBuildFailed, "build", fmt.Errorf("spawning build subprocess, %w", err))
	}
	if res.Interrupted {
		return false, errors.NewInterruptError("build subprocess interrupted")
	}
	if res.ExitCode != 0 {
		logging.FromContext(ctx).Info("build failed",
			"exitCode", res.ExitCode, "stderr", stderrTail(res.Stderr))
		return false, nil
	}
	return true, nil
}

// Sync mirrors <workdir>/dist/ to the bucket: local files are uploaded
// through the transfer manager pool, then remote keys with no local
// counterpart are deleted in batches. The bool reports whether the bucket now
// mirrors dist. A canceled context stops the pool and returns the partial
// summary with an InterruptError; the partially uploaded bucket stands until
// the next job overwrites it.
func (p *Provider) Sync(ctx context.Context, workdir, bucket string) (SyncSummary, bool, error) {
	summary := SyncSummary{}
	dist := filepath.Join(workdir, DistDir)
	files, err := localFiles(dist)
	if err != nil {
		if os.IsNotExist(err) {
			logging.FromContext(ctx).Info("no dist directory to publish", "dir", dist)
			return summary, false, nil
		}
		return summary, false, fmt.Errorf("walking build output, %w", err)
	}

	remote, err := p.remoteKeys(ctx, bucket)
	if err != nil {
		return summary, false, err
	}

	var uploaded atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for key, path := range files {
		group.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening %s, %w", path, err)
			}
			defer func() {
				_ = f.Close()
			}()
			_, err = p.uploader.Upload(groupCtx, &s3.PutObjectInput{
				Bucket:      aws.String(bucket),
				Key:         aws.String(key),
				Body:        f,
				ContentType: aws.String(contentType(key)),
			})
			if err != nil {
				return fmt.Errorf("uploading %s, %w", key, err)
			}
			uploaded.Add(1)
			return nil
		})
	}
	err = group.Wait()
	summary.Uploaded = int(uploaded.Load())
	UploadedTotal.Add(float64(summary.Uploaded))
	if err != nil {
		if ctx.Err() != nil {
			return summary, false, errors.NewInterruptError("sync interrupted")
		}
		return summary, false, errors.NewJobError(errors.CodePublishFailed, "publish", err)
	}

	stale := lo.Filter(remote, func(key string, _ int) bool {
		_, present := files[key]
		return !present
	})
	deleted, err := p.deleteKeys(ctx, bucket, stale)
	summary.Deleted = deleted
	DeletedTotal.Add(float64(deleted))
	if err != nil {
		return summary, false, errors.NewJobError(errors.CodePublishFailed, "publish", err)
	}
	logging.FromContext(ctx).Info("published site",
		"bucket", bucket, "uploaded", summary.Uploaded, "deleted", summary.Deleted)
	return summary, true, nil
}

func (p *Provider) remoteKeys(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := p.s3api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			ContinuationToken: token,
		})
		if err != nil {
			// A project's first publish can precede the bucket listing grant;
			// mirror into it as if it were empty.
			if errors.IsNotFound(err) {
				logging.FromContext(ctx).Info("bucket reported not found, treating as empty", "bucket", bucket)
				return nil, nil
			}
			return nil, fmt.Errorf("listing bucket %s, %w", bucket, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (p *Provider) deleteKeys(ctx context.Context, bucket string, keys []string) (int, error) {
	deleted := 0
	for _, batch := range lo.Chunk(keys, deleteBatchSize) {
		_, err := p.s3api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{
				Objects: lo.Map(batch, func(key string, _ int) s3types.ObjectIdentifier {
					return s3types.ObjectIdentifier{Key: aws.String(key)}
				}),
				Quiet: aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting stale objects, %w", err)
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// localFiles maps object key -> absolute path for everything under dist.
func localFiles(dist string) (map[string]string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(dist, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dist, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	const limit = 2048
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
