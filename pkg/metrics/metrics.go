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

// Package metrics holds the process metrics registry. Collectors live next to
// the code they observe and register themselves here in init().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	Namespace = "edit_worker"

	// Common label names.
	TenantLabel  = "tenant"
	QueueLabel   = "queue"
	ResultLabel  = "result"
	StageLabel   = "stage"
	CodeLabel    = "code"
	PhaseLabel   = "phase"
	OutcomeLabel = "outcome"
)

// Registry collects every worker metric, including the AWS SDK client-side
// metrics attached at config load.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
