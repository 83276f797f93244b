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

// Package apis holds the naming constants shared between the worker and the
// orchestrator that provisions its queues, tables, and buckets. Changing any
// of these is a coordinated infrastructure change.
package apis

const (
	// QueuePrefix namespaces every queue the platform provisions.
	QueuePrefix = "webordinary"
	// WorkQueueKind tags a tenant's strict-ordered work queue,
	// <QueuePrefix>-<WorkQueueKind>-<projectId>-<userId>.fifo.
	WorkQueueKind = "input"
	// PreemptQueueKind tags a tenant's standard preempt queue,
	// <QueuePrefix>-<PreemptQueueKind>-<projectId>-<userId>.
	PreemptQueueKind = "interrupts"

	// DefaultClaimTable is the tenant ownership registry table.
	DefaultClaimTable = "webordinary-edit-claims"
	// DefaultActiveJobsTable is the in-flight job record table.
	DefaultActiveJobsTable = "webordinary-active-jobs"

	// DefaultSiteBucketSuffix is the domain suffix of per-project site
	// buckets, edit.<projectId>.<suffix>.
	DefaultSiteBucketSuffix = "webordinary.com"
)
