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

// Package callback reports job lifecycle to the orchestrator through Step
// Functions task tokens. The provider is stateless; the job controller
// enforces the exactly-one-terminal contract.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/messages"
)

const (
	callTimeout = 5 * time.Second

	// maxErrorLen and maxCauseLen are the Step Functions limits on the
	// failure callback's error and cause fields.
	maxErrorLen = 256
	maxCauseLen = 32 * 1024

	terminalAttempts = 3
)

type Provider struct {
	api sdk.SFNAPI
}

func NewProvider(api sdk.SFNAPI) *Provider {
	return &Provider{api: api}
}

// Heartbeat tells the orchestrator the job is alive. Failures never change
// in-process state; the caller logs and carries on. A gone token is reported
// as errors.ErrTaskGone so the job can wind down.
func (p *Provider) Heartbeat(ctx context.Context, taskToken string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := p.api.SendTaskHeartbeat(ctx, &sfn.SendTaskHeartbeatInput{
		TaskToken: aws.String(taskToken),
	})
	if err != nil {
		if errors.IsTaskGone(err) {
			return errors.ErrTaskGone
		}
		return fmt.Errorf("sending task heartbeat, %w", err)
	}
	HeartbeatsTotal.Inc()
	return nil
}

// Succeed emits the terminal success callback with the job result payload.
func (p *Provider) Succeed(ctx context.Context, taskToken string, result *messages.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling job result, %w", err)
	}
	return p.sendTerminal(ctx, func(callCtx context.Context) error {
		_, err := p.api.SendTaskSuccess(callCtx, &sfn.SendTaskSuccessInput{
			TaskToken: aws.String(taskToken),
			Output:    aws.String(string(payload)),
		})
		return err
	})
}

// Fail emits the terminal failure callback. The error code and cause are
// truncated to the Step Functions field limits.
func (p *Provider) Fail(ctx context.Context, taskToken string, code errors.Code, cause string) error {
	return p.sendTerminal(ctx, func(callCtx context.Context) error {
		_, err := p.api.SendTaskFailure(callCtx, &sfn.SendTaskFailureInput{
			TaskToken: aws.String(taskToken),
			Error:     aws.String(truncate(string(code), maxErrorLen)),
			Cause:     aws.String(truncate(cause, maxCauseLen)),
		})
		return err
	})
}

// sendTerminal retries transient faults; a gone token ends retries
// immediately since nobody is listening for the outcome anymore.
func (p *Provider) sendTerminal(ctx context.Context, send func(context.Context) error) error {
	err := retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if err := send(callCtx); err != nil {
			if errors.IsTaskGone(err) {
				return retry.Unrecoverable(errors.ErrTaskGone)
			}
			return err
		}
		return nil
	}, retry.Attempts(terminalAttempts), retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("sending terminal callback, %w", err)
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
