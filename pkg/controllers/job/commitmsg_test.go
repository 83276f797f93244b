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

package job_test

import (
	"strings"
	"time"

	"github.com/webordinary/edit-worker/pkg/controllers/job"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("FormatCommitMessage", func() {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	It("should be deterministic in its inputs", func() {
		in := job.CommitInput{
			Instruction:  "please fix the navigation bar",
			FilesChanged: []string{"src/components/Nav.astro"},
			SessionID:    "0123456789abcdef",
			UserID:       "scott",
			Now:          now,
		}
		subjectA, bodyA := job.FormatCommitMessage(in)
		subjectB, bodyB := job.FormatCommitMessage(in)
		Expect(subjectA).To(Equal(subjectB))
		Expect(bodyA).To(Equal(bodyB))
	})

	It("should strip polite lead-ins and canonicalize the verb", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Instruction:  "please can you fix the navigation bar",
			FilesChanged: []string{"src/components/Nav.astro"},
			SessionID:    "0123456789abcdef",
			Now:          now,
		})
		Expect(subject).To(HavePrefix("Fix the navigation bar"))
		Expect(subject).To(ContainSubstring("(Nav.astro)"))
		Expect(subject).To(ContainSubstring("[01234567]"))
	})

	It("should summarize a uniform-extension change set", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Instruction:  "update styles",
			FilesChanged: []string{"src/a.css", "src/sub/b.css"},
			Now:          now,
		})
		Expect(subject).To(ContainSubstring("(2 css files)"))
	})

	It("should summarize a shared-directory change set", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Instruction:  "update pages",
			FilesChanged: []string{"src/pages/a.astro", "src/pages/b.md"},
			Now:          now,
		})
		Expect(subject).To(ContainSubstring("(2 files in src/pages)"))
	})

	It("should fall back to a bare count", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Instruction:  "update everything",
			FilesChanged: []string{"a.css", "src/b.astro"},
			Now:          now,
		})
		Expect(subject).To(ContainSubstring("(2 files)"))
	})

	It("should cap the subject at 72 characters", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Instruction:  strings.Repeat("change the hero section of the landing page ", 5),
			FilesChanged: []string{"src/pages/index.astro"},
			Now:          now,
		})
		Expect(len(subject)).To(BeNumerically("<=", 72))
		Expect(subject).To(HaveSuffix("..."))
	})

	It("should include the full instruction in the body when truncated", func() {
		long := strings.Repeat("change the hero section of the landing page ", 5)
		_, body := job.FormatCommitMessage(job.CommitInput{
			Instruction:  long,
			FilesChanged: []string{"src/pages/index.astro"},
			Now:          now,
		})
		Expect(body).To(ContainSubstring("Full instruction:"))
		for _, line := range strings.Split(body, "\n") {
			Expect(len(line)).To(BeNumerically("<=", 72), line)
		}
	})

	It("should bullet the files when more than three changed", func() {
		_, body := job.FormatCommitMessage(job.CommitInput{
			Instruction:  "update pages",
			FilesChanged: []string{"a", "b", "c", "d"},
			Now:          now,
		})
		Expect(body).To(ContainSubstring("Files changed:"))
		Expect(body).To(ContainSubstring("- d"))
	})

	It("should always carry the trailer", func() {
		_, body := job.FormatCommitMessage(job.CommitInput{
			Instruction:  "fix header",
			FilesChanged: []string{"a"},
			SessionID:    "sess-1",
			UserID:       "scott",
			Now:          now,
		})
		Expect(body).To(ContainSubstring("Session: sess-1"))
		Expect(body).To(ContainSubstring("User: scott"))
		Expect(body).To(ContainSubstring("Time: 2026-08-25T12:00:00Z"))
		Expect(body).To(ContainSubstring("Generated by Webordinary Edit Worker"))
	})

	It("should render interrupted subjects as WIP", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			FilesChanged: []string{"a", "b"},
			SessionID:    "0123456789abcdef",
			Interrupted:  true,
			Now:          now,
		})
		Expect(subject).To(Equal("WIP: Interrupted with 2 file(s) modified [01234567]"))
	})

	It("should render an interrupted subject with no changes", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Interrupted: true,
			Now:         now,
		})
		Expect(subject).To(Equal("WIP: Session interrupted"))
	})

	It("should default an empty instruction", func() {
		subject, _ := job.FormatCommitMessage(job.CommitInput{
			Instruction: "please   ",
			Now:         now,
		})
		Expect(subject).To(HavePrefix("Update site content"))
	})
})
