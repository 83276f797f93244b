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
)

// PreemptMessage is an out-of-band cancellation signal from the tenant's
// preempt queue. It may arrive at any point in a job's lifetime, including
// while no job runs.
type PreemptMessage struct {
	Reason                 string `json:"reason"`
	InterruptingMessageID  string `json:"interruptingMessageId,omitempty"`
	NewThreadID            string `json:"newThreadId,omitempty"`
	Timestamp              string `json:"timestamp,omitempty"`
}

// ParsePreempt never fails: a preempt is a signal first and a payload second.
// Unparseable bodies still preempt, with a placeholder reason.
func ParsePreempt(body string) PreemptMessage {
	msg := PreemptMessage{}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return PreemptMessage{Reason: "unparseable preempt"}
	}
	if msg.Reason == "" {
		msg.Reason = "preempted"
	}
	return msg
}
