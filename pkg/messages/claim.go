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

	"github.com/webordinary/edit-worker/pkg/identity"
)

// ClaimRequestType tags messages on the shared unclaimed queue.
const ClaimRequestType = "CLAIM_REQUEST"

// ClaimRequest asks any idle worker to claim a tenant and start draining its
// work queue. QueueURL names the tenant's work queue; when absent the worker
// derives it from the tenant identity.
type ClaimRequest struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	QueueURL  string `json:"queueUrl,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Tenant returns the identity the request asks to claim.
func (c *ClaimRequest) Tenant() identity.Tenant {
	return identity.Tenant{ProjectID: c.ProjectID, UserID: c.UserID}
}

// ParseClaimRequest parses an unclaimed queue payload.
func ParseClaimRequest(body string) (*ClaimRequest, error) {
	req := &ClaimRequest{}
	if err := json.Unmarshal([]byte(body), req); err != nil {
		return nil, fmt.Errorf("unmarshalling claim request, %w", err)
	}
	if req.Type != ClaimRequestType {
		return nil, fmt.Errorf("unexpected message type %q", req.Type)
	}
	if req.ProjectID == "" || req.UserID == "" {
		return nil, fmt.Errorf("claim request missing tenant identity")
	}
	return req, nil
}
