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

// Package activejob maintains the durable marker that a tenant has work in
// flight. The record's presence is the authoritative busy signal read by the
// orchestrator; its TTL doubles as a liveness beacon refreshed on heartbeat.
package activejob

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"k8s.io/utils/clock"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
)

const callTimeout = 5 * time.Second

// Record marks one in-flight job for a tenant.
type Record struct {
	TenantKey   string `dynamodbav:"tenantKey"`
	MessageID   string `dynamodbav:"messageId"`
	TaskToken   string `dynamodbav:"taskToken"`
	LeaseHandle string `dynamodbav:"leaseHandle"`
	ThreadID    string `dynamodbav:"threadId"`
	WorkerID    string `dynamodbav:"workerId"`
	StartedAt   int64  `dynamodbav:"startedAt"` // epoch ms
	TTLAt       int64  `dynamodbav:"ttlAt"`     // epoch seconds, native DynamoDB TTL
}

type Provider struct {
	api sdk.DynamoDBAPI
	clk clock.Clock

	table    string
	workerID string
	ttl      time.Duration
}

func NewProvider(api sdk.DynamoDBAPI, clk clock.Clock, table, workerID string, ttl time.Duration) *Provider {
	return &Provider{
		api:      api,
		clk:      clk,
		table:    table,
		workerID: workerID,
		ttl:      ttl,
	}
}

// Start writes the record unconditionally: a crashed worker's stale record
// for the same tenant is overwritten, and TTL expiry cleans up orphans.
func (p *Provider) Start(ctx context.Context, tenant identity.Tenant, messageID, taskToken, leaseHandle, threadID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	now := p.clk.Now()
	item, err := attributevalue.MarshalMap(Record{
		TenantKey:   tenant.Key(),
		MessageID:   messageID,
		TaskToken:   taskToken,
		LeaseHandle: leaseHandle,
		ThreadID:    threadID,
		WorkerID:    p.workerID,
		StartedAt:   now.UnixMilli(),
		TTLAt:       now.Add(p.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshalling active-job record, %w", err)
	}
	if _, err := p.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("recording active job for tenant %s, %w", tenant.Key(), err)
	}
	return nil
}

// Heartbeat refreshes the record's TTL, conditional on it still describing
// our message. A racing overwrite must not be resurrected; that case returns
// errors.ErrSuperseded, which callers log without failing the job.
func (p *Provider) Heartbeat(ctx context.Context, tenant identity.Tenant, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := p.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(p.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"tenantKey": &dynamodbtypes.AttributeValueMemberS{Value: tenant.Key()},
		},
		ConditionExpression: aws.String("messageId = :id"),
		UpdateExpression:    aws.String("SET ttlAt = :ttl"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":id":  &dynamodbtypes.AttributeValueMemberS{Value: messageID},
			":ttl": &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprint(p.clk.Now().Add(p.ttl).Unix())},
		},
	})
	if err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return errors.ErrSuperseded
		}
		return fmt.Errorf("refreshing active job for tenant %s, %w", tenant.Key(), err)
	}
	return nil
}

// Finish deletes the record on any terminal outcome, conditional on it still
// describing our message. Condition failures are ignored: a superseding
// record belongs to someone else's job.
func (p *Provider) Finish(ctx context.Context, tenant identity.Tenant, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := p.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"tenantKey": &dynamodbtypes.AttributeValueMemberS{Value: tenant.Key()},
		},
		ConditionExpression: aws.String("messageId = :id"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":id": &dynamodbtypes.AttributeValueMemberS{Value: messageID},
		},
	})
	if err != nil && !errors.IsConditionalCheckFailed(err) {
		return fmt.Errorf("clearing active job for tenant %s, %w", tenant.Key(), err)
	}
	return nil
}
