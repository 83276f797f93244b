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

package errors

import (
	"errors"
	"fmt"

	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

// Code is the terminal error code reported to the orchestrator through the
// failure callback.
type Code string

const (
	CodePreempted     Code = "PREEMPTED"
	CodeExecSpawn     Code = "EXEC_SPAWN"
	CodeExecFailed    Code = "EXEC_FAILED"
	CodeBuildFailed   Code = "BUILD_FAILED"
	CodePublishFailed Code = "PUBLISH_FAILED"
	CodeGitFailed     Code = "GIT_FAILED"
	CodeInternal      Code = "INTERNAL"
)

var (
	// ErrClaimContended reports a claim conditional put rejected because
	// another worker holds an unexpired record. Expected and non-fatal.
	ErrClaimContended = errors.New("tenant claim contended")
	// ErrClaimLost reports a refresh rejected because the ownership record no
	// longer names this worker. Fatal to the owned loop.
	ErrClaimLost = errors.New("tenant claim lost")
	// ErrSuperseded reports an active-job heartbeat rejected because another
	// record replaced ours. Logged, not fatal.
	ErrSuperseded = errors.New("active-job record superseded")
	// ErrTaskGone reports a callback whose task token the orchestrator no
	// longer recognizes. The job should wind down quietly.
	ErrTaskGone = errors.New("orchestrator task gone")
)

// JobError attributes a failure to a job stage and a callback code. It wraps
// the underlying cause so call sites can still errors.Is/As through it.
type JobError struct {
	Code  Code
	Stage string
	err   error
}

func NewJobError(code Code, stage string, err error) *JobError {
	return &JobError{Code: code, Stage: stage, err: err}
}

func (e *JobError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s at stage %s", e.Code, e.Stage)
	}
	return fmt.Sprintf("%s at stage %s, %s", e.Code, e.Stage, e.err)
}

func (e *JobError) Unwrap() error {
	return e.err
}

// CodeOf extracts the callback code from an error chain, defaulting to
// INTERNAL for anything unattributed.
func CodeOf(err error) Code {
	if jobErr, ok := lo.ErrorsAs[*JobError](err); ok {
		return jobErr.Code
	}
	if IsInterrupted(err) {
		return CodePreempted
	}
	return CodeInternal
}

// InterruptError marks a subprocess that exited because we sent it SIGINT.
// It is the preempt path's expected outcome, not a failure.
type InterruptError struct {
	Cause string
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("interrupted, %s", e.Cause)
}

func NewInterruptError(cause string) *InterruptError {
	return &InterruptError{Cause: cause}
}

func IsInterrupted(err error) bool {
	_, ok := lo.ErrorsAs[*InterruptError](err)
	return ok
}

var notFoundErrorCodes = map[string]struct{}{
	"ResourceNotFoundException":                    {},
	"NoSuchBucket":                                 {},
	"NoSuchKey":                                    {},
	"AWS.SimpleQueueService.NonExistentQueue":      {},
	"QueueDoesNotExist":                            {},
}

// IsNotFound returns true if the err is an AWS error (even if it's wrapped)
// known to mean "not found", as opposed to a more serious or unexpected error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return false
	}
	_, found := notFoundErrorCodes[apiErr.ErrorCode()]
	return found
}

func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

var taskGoneErrorCodes = map[string]struct{}{
	"TaskTimedOut":     {},
	"TaskDoesNotExist": {},
}

// IsTaskGone returns true when a Step Functions callback failed because the
// task token no longer addresses a pending task.
func IsTaskGone(err error) bool {
	if err == nil {
		return false
	}
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return false
	}
	_, found := taskGoneErrorCodes[apiErr.ErrorCode()]
	return found
}

// IsConditionalCheckFailed returns true when a DynamoDB conditional write was
// rejected. Callers translate this into their domain condition (claim
// contended, claim lost, record superseded).
func IsConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var conditionErr *dynamodbtypes.ConditionalCheckFailedException
	return errors.As(err, &conditionErr)
}
