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

import (
	"context"

	"github.com/patrickmn/go-cache"

	"github.com/webordinary/edit-worker/pkg/identity"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
)

// ContendedTenants remembers tenants whose claim we recently lost to another
// worker. Claim requests for these tenants are skipped (left to their
// visibility timeout) until the entry expires, so racing workers don't hammer
// the registry over the same tenant.
type ContendedTenants struct {
	cache *cache.Cache
}

func NewContendedTenants() *ContendedTenants {
	return &ContendedTenants{
		cache: cache.New(ContendedTenantTTL, DefaultCleanupInterval),
	}
}

// IsContended returns true if the tenant appears in the cache
func (c *ContendedTenants) IsContended(tenant identity.Tenant) bool {
	_, found := c.cache.Get(tenant.Key())
	return found
}

// MarkContended records a lost claim race for the tenant.
func (c *ContendedTenants) MarkContended(ctx context.Context, tenant identity.Tenant) {
	// Set also extends the TTL of an entry already present.
	logging.FromContext(ctx).V(1).Info("suppressing contended tenant",
		"tenant", tenant.Key(),
		"ttl", ContendedTenantTTL)
	c.cache.SetDefault(tenant.Key(), struct{}{})
}

// Flush drops all suppressions.
func (c *ContendedTenants) Flush() {
	c.cache.Flush()
}
