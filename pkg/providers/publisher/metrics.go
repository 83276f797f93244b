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

package publisher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/webordinary/edit-worker/pkg/metrics"
)

var (
	UploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "publish",
			Name:      "uploaded_objects_total",
			Help:      "Objects uploaded to site buckets by mirror syncs.",
		},
	)
	DeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "publish",
			Name:      "deleted_objects_total",
			Help:      "Stale objects deleted from site buckets by mirror syncs.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(UploadedTotal, DeletedTotal)
}
