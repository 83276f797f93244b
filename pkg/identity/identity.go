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

// Package identity derives every tenant-scoped name the worker touches: tenant
// keys, queue names and URLs, bucket names, workspace paths, and branch names.
// All functions are pure. Components never concatenate these names themselves,
// which keeps tenancy isolation auditable in one place.
package identity

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/webordinary/edit-worker/pkg/apis"
)

const (
	// DefaultRepoName is used when a repo URL yields no usable trailing segment.
	DefaultRepoName = "workspace"
	// BranchPrefix is the prefix of every thread branch.
	BranchPrefix = "thread-"

	tenantKeySeparator = "#"
)

// Tenant is the (projectId, userId) pair that the worker claims exclusively.
type Tenant struct {
	ProjectID string
	UserID    string
}

// Key renders the tenant key used across the claim registry, active-job store,
// and logs.
func (t Tenant) Key() string {
	return t.ProjectID + tenantKeySeparator + t.UserID
}

func (t Tenant) String() string {
	return t.Key()
}

// ParseKey parses a "<projectId>#<userId>" tenant key.
func ParseKey(key string) (Tenant, error) {
	project, user, found := strings.Cut(key, tenantKeySeparator)
	if !found || project == "" || user == "" {
		return Tenant{}, fmt.Errorf("malformed tenant key %q", key)
	}
	return Tenant{ProjectID: project, UserID: user}, nil
}

// WorkQueueName returns the tenant's strict-ordered work queue name.
func WorkQueueName(t Tenant) string {
	return fmt.Sprintf("%s-%s-%s-%s.fifo", apis.QueuePrefix, apis.WorkQueueKind, t.ProjectID, t.UserID)
}

// PreemptQueueName returns the tenant's standard preempt queue name.
func PreemptQueueName(t Tenant) string {
	return fmt.Sprintf("%s-%s-%s-%s", apis.QueuePrefix, apis.PreemptQueueKind, t.ProjectID, t.UserID)
}

// WorkQueueURL renders the deterministic URL of the tenant's work queue.
func WorkQueueURL(region, accountID string, t Tenant) string {
	return queueURL(region, accountID, WorkQueueName(t))
}

// PreemptQueueURL renders the deterministic URL of the tenant's preempt queue.
func PreemptQueueURL(region, accountID string, t Tenant) string {
	return queueURL(region, accountID, PreemptQueueName(t))
}

func queueURL(region, accountID, name string) string {
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", region, accountID, name)
}

// SiteBucketName returns the bucket that receives the tenant project's built
// site, edit.<projectId>.<suffix>.
func SiteBucketName(projectID, suffix string) string {
	if suffix == "" {
		suffix = apis.DefaultSiteBucketSuffix
	}
	return fmt.Sprintf("edit.%s.%s", projectID, suffix)
}

// WorkDir resolves the tenant's workspace checkout directory,
// <root>/<projectId>/<userId>/<repoName>.
func WorkDir(root string, t Tenant, repoURL string) string {
	return filepath.Join(root, t.ProjectID, t.UserID, RepoName(repoURL))
}

// RepoName derives a directory name from a repo URL: the trailing path
// segment with any ".git" suffix stripped. Degenerate URLs fall back to
// DefaultRepoName rather than to any project-specific constant.
func RepoName(repoURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	if trimmed == "" {
		return DefaultRepoName
	}
	// Handle scp-like git URLs (git@host:org/repo.git) as well as https URLs.
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	trimmed = strings.TrimSuffix(trimmed, ".git")
	if trimmed == "" {
		return DefaultRepoName
	}
	return trimmed
}

// BranchName maps a chat thread to its Git branch. IDs that already carry the
// prefix are not double-prefixed.
func BranchName(threadID string) string {
	if strings.HasPrefix(threadID, BranchPrefix) {
		return threadID
	}
	return BranchPrefix + threadID
}
