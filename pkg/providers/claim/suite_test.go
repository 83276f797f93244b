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

package claim_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/providers/claim"
	"github.com/webordinary/edit-worker/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestClaim(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ClaimProvider")
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

var _ = Describe("Claim", func() {
	It("should write a conditional ownership record", func() {
		Expect(env.ClaimProvider.Claim(ctx, tenant)).To(Succeed())
		Expect(env.DynamoDBAPI.PutItemBehavior.CalledWithInput.Len()).To(Equal(1))
		input := env.DynamoDBAPI.PutItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.TableName)).To(Equal(env.Options.ClaimTableName))
		Expect(lo.FromPtr(input.ConditionExpression)).To(ContainSubstring("attribute_not_exists(tenantKey)"))
		Expect(lo.FromPtr(input.ConditionExpression)).To(ContainSubstring("ttlAt < :now"))

		record := claim.Record{}
		Expect(attributevalue.UnmarshalMap(input.Item, &record)).To(Succeed())
		Expect(record.TenantKey).To(Equal("amelia#scott"))
		Expect(record.WorkerID).To(Equal(env.Options.WorkerID))
		Expect(record.TTLAt).To(Equal(env.Clock.Now().Add(env.Options.ClaimTTL()).Unix()))
	})
	It("should translate conditional rejection into contention", func() {
		env.DynamoDBAPI.PutItemBehavior.Error.Set(&dynamodbtypes.ConditionalCheckFailedException{})
		err := env.ClaimProvider.Claim(ctx, tenant)
		Expect(stderrors.Is(err, errors.ErrClaimContended)).To(BeTrue())
		Expect(env.ContendedTenants.IsContended(tenant)).To(BeTrue())
	})
	It("should surface other registry faults", func() {
		env.DynamoDBAPI.PutItemBehavior.Error.Set(stderrors.New("throttled"))
		err := env.ClaimProvider.Claim(ctx, tenant)
		Expect(err).To(HaveOccurred())
		Expect(stderrors.Is(err, errors.ErrClaimContended)).To(BeFalse())
		Expect(env.ContendedTenants.IsContended(tenant)).To(BeFalse())
	})
})

var _ = Describe("Refresh", func() {
	It("should extend the TTL conditional on ownership", func() {
		Expect(env.ClaimProvider.Refresh(ctx, tenant)).To(Succeed())
		input := env.DynamoDBAPI.UpdateItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.ConditionExpression)).To(Equal("workerId = :me"))
		Expect(lo.FromPtr(input.UpdateExpression)).To(ContainSubstring("ttlAt"))
	})
	It("should report a lost claim on conditional rejection", func() {
		env.DynamoDBAPI.UpdateItemBehavior.Error.Set(&dynamodbtypes.ConditionalCheckFailedException{})
		err := env.ClaimProvider.Refresh(ctx, tenant)
		Expect(stderrors.Is(err, errors.ErrClaimLost)).To(BeTrue())
	})
})

var _ = Describe("Release", func() {
	It("should delete the record conditional on ownership", func() {
		Expect(env.ClaimProvider.Release(ctx, tenant)).To(Succeed())
		input := env.DynamoDBAPI.DeleteItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.ConditionExpression)).To(Equal("workerId = :me"))
	})
	It("should swallow a conditional rejection on release", func() {
		env.DynamoDBAPI.DeleteItemBehavior.Error.Set(&dynamodbtypes.ConditionalCheckFailedException{})
		Expect(env.ClaimProvider.Release(ctx, tenant)).To(Succeed())
	})
})

var _ = Describe("Lookup", func() {
	It("should report no owner for a missing record", func() {
		_, found, err := env.ClaimProvider.Lookup(ctx, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())
	})
	It("should report the owner of a live record", func() {
		item := lo.Must(attributevalue.MarshalMap(claim.Record{
			TenantKey: tenant.Key(),
			WorkerID:  "worker-other",
			TTLAt:     env.Clock.Now().Add(env.Options.ClaimTTL()).Unix(),
			Status:    claim.StatusActive,
		}))
		env.DynamoDBAPI.GetItemBehavior.Output.Set(&dynamodb.GetItemOutput{Item: item})
		record, found, err := env.ClaimProvider.Lookup(ctx, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(record.WorkerID).To(Equal("worker-other"))
	})
	It("should treat an expired record as no owner", func() {
		item := lo.Must(attributevalue.MarshalMap(claim.Record{
			TenantKey: tenant.Key(),
			WorkerID:  "worker-other",
			TTLAt:     env.Clock.Now().Add(-time.Minute).Unix(),
		}))
		env.DynamoDBAPI.GetItemBehavior.Output.Set(&dynamodb.GetItemOutput{Item: item})
		_, found, err := env.ClaimProvider.Lookup(ctx, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())
	})
})
