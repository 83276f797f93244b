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

package publisher_test

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/fake"
	"github.com/webordinary/edit-worker/pkg/providers/publisher"
	"github.com/webordinary/edit-worker/pkg/test"
	"github.com/webordinary/edit-worker/pkg/utils/runner"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPublisher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PublisherProvider")
}

var (
	ctx context.Context
	env *test.Environment
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

func workdirWithDist(files map[string]string) string {
	workdir := lo.Must(os.MkdirTemp(env.WorkspaceRoot, "publish-"))
	for rel, content := range files {
		path := filepath.Join(workdir, publisher.DistDir, rel)
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	}
	return workdir
}

var _ = Describe("Build", func() {
	It("should run the build with a production environment", func() {
		ok, err := env.PublisherProvider.Build(ctx, "/workspace/amelia")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())

		calls := env.CommandRunner.Calls(env.Options.BuildCommand)
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Dir).To(Equal("/workspace/amelia"))
		Expect(calls[0].Env).To(ContainElement("NODE_ENV=production"))
	})
	It("should treat a failing build as a degraded outcome, not an error", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: env.Options.BuildCommand,
			Result: runner.Result{ExitCode: 1, Stderr: []byte("TS2304: cannot find name")},
		})
		ok, err := env.PublisherProvider.Build(ctx, "/workspace/amelia")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
	It("should classify a spawn failure", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: env.Options.BuildCommand,
			Err:    stderrors.New("executable file not found"),
		})
		_, err := env.PublisherProvider.Build(ctx, "/workspace/amelia")
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeBuildFailed))
	})
	It("should surface an interrupt", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix:           env.Options.BuildCommand,
			BlockUntilCancel: true,
		})
		buildCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-env.CommandRunner.Started
			cancel()
		}()
		_, err := env.PublisherProvider.Build(buildCtx, "/workspace/amelia")
		Expect(errors.IsInterrupted(err)).To(BeTrue())
	})
})

var _ = Describe("Sync", func() {
	It("should skip publishing when there is no build output", func() {
		workdir := lo.Must(os.MkdirTemp(env.WorkspaceRoot, "publish-"))
		summary, ok, err := env.PublisherProvider.Sync(ctx, workdir, "edit.amelia.webordinary.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(summary.Uploaded).To(Equal(0))
		Expect(env.S3API.ListObjectsV2Behavior.CalledWithInput.Len()).To(Equal(0))
	})

	It("should mirror dist to the bucket and delete stale keys", func() {
		workdir := workdirWithDist(map[string]string{
			"index.html":      "<html/>",
			"assets/site.css": "body{}",
		})
		env.S3API.ListObjectsV2Behavior.Output.Set(&s3.ListObjectsV2Output{
			Contents: []s3types.Object{
				{Key: aws.String("index.html")},
				{Key: aws.String("old/stale.html")},
			},
		})
		summary, ok, err := env.PublisherProvider.Sync(ctx, workdir, "edit.amelia.webordinary.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(summary.Uploaded).To(Equal(2))
		Expect(summary.Deleted).To(Equal(1))

		uploads := map[string]string{}
		for env.S3API.UploadBehavior.CalledWithInput.Len() > 0 {
			input := env.S3API.UploadBehavior.CalledWithInput.Pop()
			uploads[lo.FromPtr(input.Key)] = lo.FromPtr(input.ContentType)
		}
		Expect(uploads).To(HaveKey("index.html"))
		Expect(uploads).To(HaveKey("assets/site.css"))
		Expect(uploads["index.html"]).To(ContainSubstring("text/html"))

		deleteInput := env.S3API.DeleteObjectsBehavior.CalledWithInput.Pop()
		Expect(deleteInput.Delete.Objects).To(HaveLen(1))
		Expect(lo.FromPtr(deleteInput.Delete.Objects[0].Key)).To(Equal("old/stale.html"))
	})

	It("should treat a missing bucket as empty on a first publish", func() {
		workdir := workdirWithDist(map[string]string{"index.html": "<html/>"})
		env.S3API.ListObjectsV2Behavior.Error.Set(&smithy.GenericAPIError{Code: "NoSuchBucket", Message: "no bucket"})
		summary, ok, err := env.PublisherProvider.Sync(ctx, workdir, "edit.amelia.webordinary.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(summary.Uploaded).To(Equal(1))
		Expect(summary.Deleted).To(Equal(0))
		Expect(env.S3API.DeleteObjectsBehavior.CalledWithInput.Len()).To(Equal(0))
	})

	It("should classify an upload failure", func() {
		workdir := workdirWithDist(map[string]string{"index.html": "<html/>"})
		env.S3API.UploadBehavior.Error.Set(stderrors.New("access denied"), fake.MaxCalls(0))
		_, ok, err := env.PublisherProvider.Sync(ctx, workdir, "edit.amelia.webordinary.com")
		Expect(ok).To(BeFalse())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodePublishFailed))
	})

	It("should return the partial summary on cancellation", func() {
		workdir := workdirWithDist(map[string]string{"index.html": "<html/>"})
		env.S3API.UploadBehavior.Error.Set(stderrors.New("request canceled"), fake.MaxCalls(0))
		syncCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, ok, err := env.PublisherProvider.Sync(syncCtx, workdir, "edit.amelia.webordinary.com")
		Expect(ok).To(BeFalse())
		Expect(errors.IsInterrupted(err)).To(BeTrue())
	})
})
