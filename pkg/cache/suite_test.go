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

package cache_test

import (
	"context"
	"testing"

	"github.com/webordinary/edit-worker/pkg/cache"
	"github.com/webordinary/edit-worker/pkg/identity"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache")
}

var _ = Describe("ContendedTenants", func() {
	var contended *cache.ContendedTenants
	tenant := identity.Tenant{ProjectID: "amelia", UserID: "scott"}

	BeforeEach(func() {
		contended = cache.NewContendedTenants()
	})

	It("should not suppress unknown tenants", func() {
		Expect(contended.IsContended(tenant)).To(BeFalse())
	})
	It("should suppress a marked tenant", func() {
		contended.MarkContended(context.Background(), tenant)
		Expect(contended.IsContended(tenant)).To(BeTrue())
		Expect(contended.IsContended(identity.Tenant{ProjectID: "amelia", UserID: "kim"})).To(BeFalse())
	})
	It("should forget everything on flush", func() {
		contended.MarkContended(context.Background(), tenant)
		contended.Flush()
		Expect(contended.IsContended(tenant)).To(BeFalse())
	})
})
