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

package messages

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

// WorkMessage is a job delivered on the tenant's strict-ordered work queue.
// The task token addresses the orchestrator's pending-task slot and is the
// only handle through which the job may report its outcome.
type WorkMessage struct {
	TaskToken   string   `json:"taskToken"`
	MessageID   string   `json:"messageId"`
	ProjectID   string   `json:"projectId"`
	UserID      string   `json:"userId"`
	ThreadID    string   `json:"threadId"`
	Instruction string   `json:"instruction"`
	RepoURL     string   `json:"repoUrl,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// UnmarshalJSON accepts "text" as an alias for "instruction". Older senders
// still emit the alias.
func (w *WorkMessage) UnmarshalJSON(data []byte) error {
	type alias WorkMessage
	aux := struct {
		*alias
		Text string `json:"text"`
	}{alias: (*alias)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if w.Instruction == "" {
		w.Instruction = aux.Text
	}
	return nil
}

func (w *WorkMessage) Validate() error {
	var errs error
	if w.TaskToken == "" {
		errs = multierr.Append(errs, fmt.Errorf("missing taskToken"))
	}
	if w.MessageID == "" {
		errs = multierr.Append(errs, fmt.Errorf("missing messageId"))
	}
	if w.ThreadID == "" {
		errs = multierr.Append(errs, fmt.Errorf("missing threadId"))
	}
	if w.Instruction == "" {
		errs = multierr.Append(errs, fmt.Errorf("missing instruction"))
	}
	return errs
}

// ParseWork parses and validates a work queue payload. Errors mark the
// message as a poison pill: the caller logs and deletes it rather than
// letting it wedge the FIFO partition.
func ParseWork(body string) (*WorkMessage, error) {
	msg := &WorkMessage{}
	if err := json.Unmarshal([]byte(body), msg); err != nil {
		return nil, fmt.Errorf("unmarshalling work message, %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("validating work message, %w", err)
	}
	return msg, nil
}
