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

// Package workqueue consumes the three SQS queues the worker lives on: the
// process-wide unclaimed queue, and the owned tenant's strict-ordered work
// queue and standard preempt queue.
package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/messages"
	"github.com/webordinary/edit-worker/pkg/metrics"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
)

const (
	// receiveSlack is added to the poll wait when bounding a receive call, so
	// a healthy long poll is never cut off by its own timeout.
	receiveSlack = 5 * time.Second

	unclaimedPollWait = 20 * time.Second

	queueLabelUnclaimed = "unclaimed"
	queueLabelWork      = "work"
	queueLabelPreempt   = "preempt"
)

// Item is one received SQS message; the receipt handle is the lease on it.
type Item struct {
	QueueURL      string
	ReceiptHandle string
	Body          string
}

// ClaimItem is a parsed CLAIM_REQUEST off the unclaimed queue.
type ClaimItem struct {
	Item
	Request *messages.ClaimRequest
}

// WorkItem is a parsed job off a tenant work queue.
type WorkItem struct {
	Item
	Message *messages.WorkMessage
}

// PreemptItem is a parsed (or tolerantly defaulted) preempt signal.
type PreemptItem struct {
	Item
	Message messages.PreemptMessage
}

type Provider struct {
	api  sdk.SQSAPI
	urls *cache.Cache // queue name -> URL, scoped to the current tenancy

	region             string
	accountID          string
	unclaimedQueueName string
	workPollWait       time.Duration
	preemptPollWait    time.Duration
}

func NewProvider(api sdk.SQSAPI, urls *cache.Cache, region, accountID, unclaimedQueueName string, workPollWait, preemptPollWait time.Duration) *Provider {
	return &Provider{
		api:                api,
		urls:               urls,
		region:             region,
		accountID:          accountID,
		unclaimedQueueName: unclaimedQueueName,
		workPollWait:       workPollWait,
		preemptPollWait:    preemptPollWait,
	}
}

// ReceiveClaimRequest long-polls the unclaimed queue for one CLAIM_REQUEST.
// Returns nil on an empty poll. Malformed payloads are deleted as poison
// pills and reported nil; a bad request must not wedge the shared queue.
func (p *Provider) ReceiveClaimRequest(ctx context.Context) (*ClaimItem, error) {
	queueURL, err := p.queueURL(ctx, p.unclaimedQueueName)
	if err != nil {
		return nil, err
	}
	msg, err := p.receive(ctx, queueURL, unclaimedPollWait)
	if err != nil || msg == nil {
		return nil, err
	}
	item := Item{QueueURL: queueURL, ReceiptHandle: aws.ToString(msg.ReceiptHandle), Body: aws.ToString(msg.Body)}
	req, err := messages.ParseClaimRequest(item.Body)
	if err != nil {
		logging.FromContext(ctx).Error(err, "discarding malformed claim request")
		MessagesTotal.With(prometheus.Labels{metrics.QueueLabel: queueLabelUnclaimed, metrics.ResultLabel: "malformed"}).Inc()
		_ = p.Delete(ctx, item)
		return nil, nil
	}
	MessagesTotal.With(prometheus.Labels{metrics.QueueLabel: queueLabelUnclaimed, metrics.ResultLabel: "received"}).Inc()
	return &ClaimItem{Item: item, Request: req}, nil
}

// Accept deletes the claim request after a successful claim. On contention
// the caller must NOT accept: the visibility timeout hands the request to
// another worker.
func (p *Provider) Accept(ctx context.Context, item *ClaimItem) error {
	return p.Delete(ctx, item.Item)
}

// ReceiveWork long-polls the tenant work queue for one job. Returns nil on an
// empty poll. Malformed payloads are deleted, counted, and reported nil so
// they cannot stall the FIFO partition behind them.
func (p *Provider) ReceiveWork(ctx context.Context, queueURL string) (*WorkItem, error) {
	msg, err := p.receive(ctx, queueURL, p.workPollWait)
	if err != nil || msg == nil {
		return nil, err
	}
	item := Item{QueueURL: queueURL, ReceiptHandle: aws.ToString(msg.ReceiptHandle), Body: aws.ToString(msg.Body)}
	work, err := messages.ParseWork(item.Body)
	if err != nil {
		logging.FromContext(ctx).Error(err, "discarding malformed work message")
		MessagesTotal.With(prometheus.Labels{metrics.QueueLabel: queueLabelWork, metrics.ResultLabel: "malformed"}).Inc()
		_ = p.Delete(ctx, item)
		return nil, nil
	}
	MessagesTotal.With(prometheus.Labels{metrics.QueueLabel: queueLabelWork, metrics.ResultLabel: "received"}).Inc()
	return &WorkItem{Item: item, Message: work}, nil
}

// ReceivePreempt short-polls the tenant preempt queue. An unparseable body
// still preempts; ParsePreempt never fails.
func (p *Provider) ReceivePreempt(ctx context.Context, queueURL string) (*PreemptItem, error) {
	msg, err := p.receive(ctx, queueURL, p.preemptPollWait)
	if err != nil || msg == nil {
		return nil, err
	}
	item := Item{QueueURL: queueURL, ReceiptHandle: aws.ToString(msg.ReceiptHandle), Body: aws.ToString(msg.Body)}
	MessagesTotal.With(prometheus.Labels{metrics.QueueLabel: queueLabelPreempt, metrics.ResultLabel: "received"}).Inc()
	return &PreemptItem{Item: item, Message: messages.ParsePreempt(item.Body)}, nil
}

// ExtendLease resets the message's invisibility window, keeping the lease on
// a long-running job alive.
func (p *Provider) ExtendLease(ctx context.Context, item Item, d time.Duration) error {
	_, err := p.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(item.QueueURL),
		ReceiptHandle:     aws.String(item.ReceiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return fmt.Errorf("extending message lease, %w", err)
	}
	LeaseExtensionsTotal.Inc()
	return nil
}

// Delete removes a message after terminal handling. For work messages this
// also unblocks the FIFO partition, so preempted jobs must still delete. A
// queue torn down underneath us means the message is gone anyway.
func (p *Provider) Delete(ctx context.Context, item Item) error {
	_, err := p.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(item.QueueURL),
		ReceiptHandle: aws.String(item.ReceiptHandle),
	})
	if err := errors.IgnoreNotFound(err); err != nil {
		return fmt.Errorf("deleting message, %w", err)
	}
	return nil
}

// WorkQueueURL resolves the tenant's work queue URL, preferring the URL the
// claim request carried.
func (p *Provider) WorkQueueURL(ctx context.Context, tenant identity.Tenant, fromRequest string) (string, error) {
	if fromRequest != "" {
		return fromRequest, nil
	}
	if p.accountID != "" {
		return identity.WorkQueueURL(p.region, p.accountID, tenant), nil
	}
	return p.queueURL(ctx, identity.WorkQueueName(tenant))
}

// PreemptQueueURL resolves the tenant's preempt queue URL.
func (p *Provider) PreemptQueueURL(ctx context.Context, tenant identity.Tenant) (string, error) {
	if p.accountID != "" {
		return identity.PreemptQueueURL(p.region, p.accountID, tenant), nil
	}
	return p.queueURL(ctx, identity.PreemptQueueName(tenant))
}

// FlushTenancy drops tenancy-scoped cache entries on release. The next owner
// of the process resolves its own URLs.
func (p *Provider) FlushTenancy() {
	p.urls.Flush()
}

func (p *Provider) receive(ctx context.Context, queueURL string, wait time.Duration) (*sqstypes.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, wait+receiveSlack)
	defer cancel()
	out, err := p.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("receiving messages, %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	return &out.Messages[0], nil
}

func (p *Provider) queueURL(ctx context.Context, name string) (string, error) {
	if url, ok := p.urls.Get(name); ok {
		return url.(string), nil
	}
	out, err := p.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("resolving queue url for %s, %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	p.urls.SetDefault(name, url)
	return url, nil
}
