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

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/webordinary/edit-worker/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("JobError", func() {
	It("should carry its code through wrapping", func() {
		err := fmt.Errorf("running job, %w", errors.NewJobError(errors.CodeBuildFailed, "build", stderrors.New("exit 1")))
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeBuildFailed))
	})
	It("should expose the wrapped cause", func() {
		cause := stderrors.New("boom")
		err := errors.NewJobError(errors.CodeGitFailed, "push", cause)
		Expect(stderrors.Is(err, cause)).To(BeTrue())
	})
})

var _ = Describe("CodeOf", func() {
	It("should classify interrupts as preempted", func() {
		Expect(errors.CodeOf(errors.NewInterruptError("sigint"))).To(Equal(errors.CodePreempted))
	})
	It("should default to internal", func() {
		Expect(errors.CodeOf(stderrors.New("unattributed"))).To(Equal(errors.CodeInternal))
	})
})

var _ = Describe("IsInterrupted", func() {
	It("should detect wrapped interrupts", func() {
		err := fmt.Errorf("stage failed, %w", errors.NewInterruptError("sigint"))
		Expect(errors.IsInterrupted(err)).To(BeTrue())
		Expect(errors.IsInterrupted(stderrors.New("other"))).To(BeFalse())
	})
})

var _ = Describe("IsConditionalCheckFailed", func() {
	It("should detect DynamoDB conditional rejections", func() {
		err := fmt.Errorf("putting item, %w", &dynamodbtypes.ConditionalCheckFailedException{})
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
		Expect(errors.IsConditionalCheckFailed(stderrors.New("other"))).To(BeFalse())
		Expect(errors.IsConditionalCheckFailed(nil)).To(BeFalse())
	})
})

var _ = Describe("IsTaskGone", func() {
	It("should detect timed out and missing tasks", func() {
		for _, code := range []string{"TaskTimedOut", "TaskDoesNotExist"} {
			err := &smithy.GenericAPIError{Code: code, Message: "gone"}
			Expect(errors.IsTaskGone(fmt.Errorf("sending callback, %w", err))).To(BeTrue(), code)
		}
	})
	It("should not match other API errors", func() {
		err := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
		Expect(errors.IsTaskGone(err)).To(BeFalse())
	})
})

var _ = Describe("IsNotFound", func() {
	It("should match known not-found codes", func() {
		err := &smithy.GenericAPIError{Code: "QueueDoesNotExist", Message: "no queue"}
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(errors.IgnoreNotFound(err)).To(BeNil())
	})
})
