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

package activejob_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/providers/activejob"
	"github.com/webordinary/edit-worker/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestActiveJob(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ActiveJobProvider")
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

var _ = Describe("Start", func() {
	It("should write the record unconditionally", func() {
		Expect(env.ActiveJobProvider.Start(ctx, tenant, "m1", "tok", "lease", "t1")).To(Succeed())
		input := env.DynamoDBAPI.PutItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.TableName)).To(Equal(env.Options.ActiveJobsTableName))
		Expect(input.ConditionExpression).To(BeNil())

		record := activejob.Record{}
		Expect(attributevalue.UnmarshalMap(input.Item, &record)).To(Succeed())
		Expect(record.TenantKey).To(Equal("amelia#scott"))
		Expect(record.MessageID).To(Equal("m1"))
		Expect(record.TaskToken).To(Equal("tok"))
		Expect(record.ThreadID).To(Equal("t1"))
		Expect(record.TTLAt).To(BeNumerically(">", env.Clock.Now().Unix()))
	})
})

var _ = Describe("Heartbeat", func() {
	It("should refresh the TTL conditional on our message", func() {
		Expect(env.ActiveJobProvider.Heartbeat(ctx, tenant, "m1")).To(Succeed())
		input := env.DynamoDBAPI.UpdateItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.ConditionExpression)).To(Equal("messageId = :id"))
	})
	It("should report a superseded record", func() {
		env.DynamoDBAPI.UpdateItemBehavior.Error.Set(&dynamodbtypes.ConditionalCheckFailedException{})
		err := env.ActiveJobProvider.Heartbeat(ctx, tenant, "m1")
		Expect(stderrors.Is(err, errors.ErrSuperseded)).To(BeTrue())
	})
})

var _ = Describe("Finish", func() {
	It("should delete the record conditional on our message", func() {
		Expect(env.ActiveJobProvider.Finish(ctx, tenant, "m1")).To(Succeed())
		input := env.DynamoDBAPI.DeleteItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.ConditionExpression)).To(Equal("messageId = :id"))
	})
	It("should ignore a superseding record", func() {
		env.DynamoDBAPI.DeleteItemBehavior.Error.Set(&dynamodbtypes.ConditionalCheckFailedException{})
		Expect(env.ActiveJobProvider.Finish(ctx, tenant, "m1")).To(Succeed())
	})
})
