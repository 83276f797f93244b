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

package callback

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/webordinary/edit-worker/pkg/metrics"
)

var HeartbeatsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "callback",
		Name:      "heartbeats_total",
		Help:      "Task heartbeats delivered to the orchestrator.",
	},
)

func init() {
	metrics.Registry.MustRegister(HeartbeatsTotal)
}
