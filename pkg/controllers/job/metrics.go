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

package job

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/webordinary/edit-worker/pkg/metrics"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Jobs run to a terminal outcome, by result code.",
		},
		[]string{metrics.ResultLabel},
	)
	PreemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "jobs",
			Name:      "preempts_total",
			Help:      "Preempts taken, by the lifecycle phase they landed in.",
		},
		[]string{metrics.PhaseLabel},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "jobs",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each job lifecycle stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
		},
		[]string{metrics.StageLabel},
	)
)

func init() {
	metrics.Registry.MustRegister(JobsTotal, PreemptsTotal, StageDuration)
}
