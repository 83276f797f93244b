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

package codemod_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/webordinary/edit-worker/pkg/errors"
	"github.com/webordinary/edit-worker/pkg/fake"
	"github.com/webordinary/edit-worker/pkg/test"
	"github.com/webordinary/edit-worker/pkg/utils/runner"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCodeMod(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CodeModProvider")
}

var (
	ctx context.Context
	env *test.Environment
)

var _ = BeforeSuite(func() {
	ctx = context.Background()
	env = test.NewEnvironment(test.NewOptions())
})

var _ = AfterSuite(func() {
	env.Cleanup()
})

var _ = BeforeEach(func() {
	env.Reset()
})

var _ = Describe("Run", func() {
	It("should invoke the engine with the streaming contract", func() {
		_, err := env.CodeModProvider.Run(ctx, "/workspace/amelia", "fix the header")
		Expect(err).ToNot(HaveOccurred())

		calls := env.CommandRunner.Calls(env.Options.CodeModCommand)
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Dir).To(Equal("/workspace/amelia"))
		Expect(calls[0].Argv).To(ContainElements("-p", "fix the header", "--output-format", "stream-json"))
		Expect(calls[0].Argv).To(ContainElements("--max-turns", "3"))
		Expect(calls[0].Env).To(ContainElement("MAX_OUTPUT_TOKENS=4096"))
		Expect(calls[0].GracePeriod).To(Equal(5 * time.Second))
	})

	It("should accumulate the tagged event stream", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: env.Options.CodeModCommand,
			Result: runner.Result{Stdout: []byte(
				`{"type":"system","sessionId":"sess-42"}` + "\n" +
					"engine diagnostic, not json\n" +
					`{"type":"assistant","content":[{"type":"text","text":"Updated the "},{"type":"tool_use"},{"type":"text","text":"header."}]}` + "\n" +
					`{"type":"result","subtype":"success","total_cost_usd":0.42,"duration_ms":1500}` + "\n",
			)},
		})
		mod, err := env.CodeModProvider.Run(ctx, "/workspace/amelia", "fix the header")
		Expect(err).ToNot(HaveOccurred())
		Expect(mod.SessionID).To(Equal("sess-42"))
		Expect(mod.Output).To(Equal("Updated the header."))
		Expect(mod.CostUSD).To(Equal(0.42))
		Expect(mod.Duration).To(Equal(1500 * time.Millisecond))
	})

	It("should synthesize a session id when the engine never announced one", func() {
		mod, err := env.CodeModProvider.Run(ctx, "/workspace/amelia", "fix the header")
		Expect(err).ToNot(HaveOccurred())
		Expect(mod.SessionID).ToNot(BeEmpty())
	})

	It("should classify a spawn failure", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: env.Options.CodeModCommand,
			Err:    stderrors.New("executable file not found"),
		})
		mod, err := env.CodeModProvider.Run(ctx, "/workspace/amelia", "fix the header")
		Expect(mod).To(BeNil())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeExecSpawn))
	})

	It("should classify a non-zero exit", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: env.Options.CodeModCommand,
			Result: runner.Result{ExitCode: 2, Stderr: []byte("engine crashed")},
		})
		mod, err := env.CodeModProvider.Run(ctx, "/workspace/amelia", "fix the header")
		Expect(mod).ToNot(BeNil())
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeExecFailed))
		Expect(err.Error()).To(ContainSubstring("engine crashed"))
	})

	It("should classify a reported non-success result", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix: env.Options.CodeModCommand,
			Result: runner.Result{Stdout: []byte(
				`{"type":"result","subtype":"error_max_turns","total_cost_usd":0.10}` + "\n",
			)},
		})
		mod, err := env.CodeModProvider.Run(ctx, "/workspace/amelia", "fix the header")
		Expect(mod.CostUSD).To(Equal(0.10))
		Expect(errors.CodeOf(err)).To(Equal(errors.CodeExecFailed))
	})

	It("should return the partial result alongside an interrupt", func() {
		env.CommandRunner.Script(fake.CommandScript{
			Prefix:           env.Options.CodeModCommand,
			BlockUntilCancel: true,
		})
		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-env.CommandRunner.Started
			env.Clock.Step(90 * time.Second)
			cancel()
		}()
		mod, err := env.CodeModProvider.Run(runCtx, "/workspace/amelia", "fix the header")
		Expect(errors.IsInterrupted(err)).To(BeTrue())
		Expect(mod).ToNot(BeNil())
		Expect(mod.SessionID).ToNot(BeEmpty())
		// With no terminal result event, the duration comes from the clock.
		Expect(mod.Duration).To(Equal(90 * time.Second))
	})
})
