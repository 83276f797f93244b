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

// JobResult is the terminal success payload sent back to the orchestrator.
// BuildOk, PublishOk, and PushOk report stage outcomes that do not by
// themselves fail the job; the orchestrator decides what to tell the user.
type JobResult struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary,omitempty"`
	FilesChanged []string `json:"filesChanged"`
	BuildOk      bool     `json:"buildOk"`
	PublishOk    bool     `json:"publishOk"`
	PushOk       bool     `json:"pushOk"`
	PreviewURL   string   `json:"previewUrl,omitempty"`
	CostUSD      float64  `json:"cost,omitempty"`
	DurationMs   int64    `json:"durationMs,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	// Interrupted and ErrorKind mirror the orchestrator's result schema.
	// The worker reports interrupts and failures through the failure
	// callback instead of a success payload, so it always sends them
	// zero-valued; the orchestrator fills them in when it records the
	// PREEMPTED or failed outcome against the same schema.
	Interrupted bool   `json:"interrupted,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
}
