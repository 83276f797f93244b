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

// Package claim implements the tenant ownership registry on DynamoDB
// conditional writes. At any instant at most one worker holds an unexpired
// record per tenant; expired records are overwritten rather than cleaned up.
package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
	wocache "github.com/webordinary/edit-worker/pkg/cache"
	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/metrics"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
)

const (
	// StatusActive is written on every record. Display only: the record's
	// presence, not its status, is the ownership signal.
	StatusActive = "active"

	callTimeout = 5 * time.Second
)

// Record is the ownership row for one tenant.
type Record struct {
	TenantKey    string `dynamodbav:"tenantKey"`
	WorkerID     string `dynamodbav:"workerId"`
	ClaimedAt    int64  `dynamodbav:"claimedAt"`    // epoch ms
	LastActivity int64  `dynamodbav:"lastActivity"` // epoch ms
	TTLAt        int64  `dynamodbav:"ttlAt"`        // epoch seconds, native DynamoDB TTL
	Status       string `dynamodbav:"status"`
}

type Provider struct {
	api       sdk.DynamoDBAPI
	clk       clock.Clock
	contended *wocache.ContendedTenants

	table    string
	workerID string
	ttl      time.Duration
}

func NewProvider(api sdk.DynamoDBAPI, clk clock.Clock, contended *wocache.ContendedTenants, table, workerID string, ttl time.Duration) *Provider {
	return &Provider{
		api:       api,
		clk:       clk,
		contended: contended,
		table:     table,
		workerID:  workerID,
		ttl:       ttl,
	}
}

// Claim atomically takes ownership of the tenant. The conditional put
// succeeds iff no record exists or the existing record's TTL has passed,
// which is how a crashed worker's tenant self-heals. Contention returns
// errors.ErrClaimContended and suppresses the tenant for a short window.
func (p *Provider) Claim(ctx context.Context, tenant identity.Tenant) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	now := p.clk.Now()
	item, err := attributevalue.MarshalMap(Record{
		TenantKey:    tenant.Key(),
		WorkerID:     p.workerID,
		ClaimedAt:    now.UnixMilli(),
		LastActivity: now.UnixMilli(),
		TTLAt:        now.Add(p.ttl).Unix(),
		Status:       StatusActive,
	})
	if err != nil {
		return fmt.Errorf("marshalling ownership record, %w", err)
	}
	_, err = p.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(p.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(tenantKey) OR ttlAt < :now"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":now": &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())},
		},
	})
	if err != nil {
		if errors.IsConditionalCheckFailed(err) {
			p.contended.MarkContended(ctx, tenant)
			ClaimsTotal.With(prometheus.Labels{metrics.OutcomeLabel: "contended"}).Inc()
			return errors.ErrClaimContended
		}
		return fmt.Errorf("claiming tenant %s, %w", tenant.Key(), err)
	}
	ClaimsTotal.With(prometheus.Labels{metrics.OutcomeLabel: "acquired"}).Inc()
	logging.FromContext(ctx).Info("claimed tenant", "tenant", tenant.Key(), "ttl", p.ttl)
	return nil
}

// Refresh extends the claim's TTL and bumps lastActivity, conditional on the
// record still naming this worker. A condition failure means another worker
// took over after our TTL lapsed: errors.ErrClaimLost, fatal to the owned loop.
func (p *Provider) Refresh(ctx context.Context, tenant identity.Tenant) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	now := p.clk.Now()
	_, err := p.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(p.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"tenantKey": &dynamodbtypes.AttributeValueMemberS{Value: tenant.Key()},
		},
		ConditionExpression: aws.String("workerId = :me"),
		UpdateExpression:    aws.String("SET lastActivity = :activity, ttlAt = :ttl"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":me":       &dynamodbtypes.AttributeValueMemberS{Value: p.workerID},
			":activity": &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
			":ttl":      &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprint(now.Add(p.ttl).Unix())},
		},
	})
	if err != nil {
		if errors.IsConditionalCheckFailed(err) {
			ClaimsTotal.With(prometheus.Labels{metrics.OutcomeLabel: "lost"}).Inc()
			return errors.ErrClaimLost
		}
		return fmt.Errorf("refreshing claim on tenant %s, %w", tenant.Key(), err)
	}
	return nil
}

// Release deletes the ownership record, conditional on it still naming this
// worker. A condition failure means the claim already moved on; that is not
// an error on the release path. Other failures are surfaced for logging only,
// since the TTL is the backstop.
func (p *Provider) Release(ctx context.Context, tenant identity.Tenant) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := p.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"tenantKey": &dynamodbtypes.AttributeValueMemberS{Value: tenant.Key()},
		},
		ConditionExpression: aws.String("workerId = :me"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":me": &dynamodbtypes.AttributeValueMemberS{Value: p.workerID},
		},
	})
	if err != nil && !errors.IsConditionalCheckFailed(err) {
		return fmt.Errorf("releasing claim on tenant %s, %w", tenant.Key(), err)
	}
	ClaimsTotal.With(prometheus.Labels{metrics.OutcomeLabel: "released"}).Inc()
	logging.FromContext(ctx).Info("released tenant", "tenant", tenant.Key())
	return nil
}

// Lookup reads the tenant's ownership record. Used by orchestrator-side
// checks; the owning worker never inspects its own record this way.
func (p *Provider) Lookup(ctx context.Context, tenant identity.Tenant) (*Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"tenantKey": &dynamodbtypes.AttributeValueMemberS{Value: tenant.Key()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("looking up tenant %s, %w", tenant.Key(), err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	record := &Record{}
	if err := attributevalue.UnmarshalMap(out.Item, record); err != nil {
		return nil, false, fmt.Errorf("unmarshalling ownership record, %w", err)
	}
	if p.clk.Now().Unix() > record.TTLAt {
		return nil, false, nil
	}
	return record, true, nil
}
