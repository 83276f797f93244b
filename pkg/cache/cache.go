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

package cache

import "time"

const (
	// DefaultTTL restricts the staleness of remote lookups the worker repeats
	// within one tenancy (queue URLs, remote default branches).
	DefaultTTL = time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) to keep
	// memory small in long-running processes.
	DefaultCleanupInterval = 10 * time.Minute
	// ContendedTenantTTL is how long a tenant that lost a claim race is
	// suppressed before this worker will race for it again.
	ContendedTenantTTL = 15 * time.Second
)
