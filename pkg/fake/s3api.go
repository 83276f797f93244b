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

package fake

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
)

// S3Behavior must be reset between tests otherwise tests will
// pollute each other.
type S3Behavior struct {
	ListObjectsV2Behavior MockedFunction[s3.ListObjectsV2Input, s3.ListObjectsV2Output]
	DeleteObjectsBehavior MockedFunction[s3.DeleteObjectsInput, s3.DeleteObjectsOutput]
	UploadBehavior        MockedFunction[s3.PutObjectInput, manager.UploadOutput]
}

type S3API struct {
	sdk.S3API
	S3Behavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *S3API) Reset() {
	s.ListObjectsV2Behavior.Reset()
	s.DeleteObjectsBehavior.Reset()
	s.UploadBehavior.Reset()
}

func (s *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return s.ListObjectsV2Behavior.Invoke(input, func(_ *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		return &s3.ListObjectsV2Output{}, nil
	})
}

func (s *S3API) DeleteObjects(_ context.Context, input *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return s.DeleteObjectsBehavior.Invoke(input, func(_ *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
		return &s3.DeleteObjectsOutput{}, nil
	})
}

// Upload satisfies the publisher's transfer manager seam. The body reader is
// dropped before recording; MockedFunction clones inputs through JSON.
func (s *S3API) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	recorded := *input
	recorded.Body = nil
	return s.UploadBehavior.Invoke(&recorded, func(_ *s3.PutObjectInput) (*manager.UploadOutput, error) {
		return &manager.UploadOutput{}, nil
	})
}
