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
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	subjectLimit = 72
	wrapColumn   = 72
	sessionTag   = 8
)

// politePrefixes are conversational lead-ins stripped from instructions
// before they become commit subjects.
var politePrefixes = []string{
	"please ", "can you ", "could you ", "i need to ", "i want to ",
	"let's ", "help me ", "assist with ",
}

// canonicalVerbs get a fixed capitalization when they lead the subject.
var canonicalVerbs = map[string]string{
	"fix": "Fix", "add": "Add", "remove": "Remove", "update": "Update",
	"create": "Create", "delete": "Delete", "refactor": "Refactor",
	"implement": "Implement", "change": "Change", "modify": "Modify",
}

// CommitInput is everything the formatter looks at. It is deterministic in
// these inputs; the clock travels as a field, never read inside.
type CommitInput struct {
	Instruction  string
	FilesChanged []string
	SessionID    string
	UserID       string
	Interrupted  bool
	Now          time.Time
}

// FormatCommitMessage renders the subject and optional body for a job's
// commit.
func FormatCommitMessage(in CommitInput) (string, string) {
	return formatSubject(in), formatBody(in)
}

func formatSubject(in CommitInput) string {
	if in.Interrupted {
		subject := "WIP: Session interrupted"
		if n := len(in.FilesChanged); n > 0 {
			subject = fmt.Sprintf("WIP: Interrupted with %d file(s) modified", n)
		}
		if tag := shortSession(in.SessionID); tag != "" {
			subject += " [" + tag + "]"
		}
		return truncate(subject)
	}

	subject := actionPhrase(in.Instruction)
	if fileCtx := fileContext(in.FilesChanged); fileCtx != "" {
		subject += " (" + fileCtx + ")"
	}
	if tag := shortSession(in.SessionID); tag != "" {
		subject += " [" + tag + "]"
	}
	return truncate(subject)
}

func formatBody(in CommitInput) string {
	var sections []string
	if len(in.Instruction) > subjectLimit {
		sections = append(sections, "Full instruction:\n"+wrap(in.Instruction, wrapColumn))
	}
	if len(in.FilesChanged) > 3 {
		sections = append(sections, "Files changed:\n"+strings.Join(lo.Map(in.FilesChanged, func(f string, _ int) string {
			return "- " + f
		}), "\n"))
	}
	trailer := []string{}
	if in.SessionID != "" {
		trailer = append(trailer, "Session: "+in.SessionID)
	}
	if in.UserID != "" {
		trailer = append(trailer, "User: "+in.UserID)
	}
	trailer = append(trailer,
		"Time: "+in.Now.UTC().Format(time.RFC3339),
		"Generated by Webordinary Edit Worker",
	)
	sections = append(sections, strings.Join(trailer, "\n"))
	return strings.Join(sections, "\n\n")
}

// actionPhrase strips polite lead-ins, uppercases the first letter, and
// canonicalizes a leading verb.
func actionPhrase(instruction string) string {
	action := strings.TrimSpace(instruction)
	for stripped := true; stripped; {
		stripped = false
		for _, prefix := range politePrefixes {
			if len(action) >= len(prefix) && strings.EqualFold(action[:len(prefix)], prefix) {
				action = strings.TrimSpace(action[len(prefix):])
				stripped = true
			}
		}
	}
	if action == "" {
		return "Update site content"
	}
	first, rest, _ := strings.Cut(action, " ")
	if canonical, ok := canonicalVerbs[strings.ToLower(first)]; ok {
		first = canonical
	} else {
		first = strings.ToUpper(first[:1]) + first[1:]
	}
	if rest == "" {
		return first
	}
	return first + " " + rest
}

// fileContext summarizes the change set: a lone basename, a shared extension,
// a shared directory, or just a count.
func fileContext(files []string) string {
	switch len(files) {
	case 0:
		return ""
	case 1:
		return path.Base(files[0])
	}
	exts := lo.Uniq(lo.Map(files, func(f string, _ int) string {
		return strings.TrimPrefix(path.Ext(f), ".")
	}))
	if len(exts) == 1 && exts[0] != "" {
		return fmt.Sprintf("%d %s files", len(files), exts[0])
	}
	dirs := lo.Uniq(lo.Map(files, func(f string, _ int) string {
		return path.Dir(f)
	}))
	if len(dirs) == 1 && dirs[0] != "." {
		return fmt.Sprintf("%d files in %s", len(files), dirs[0])
	}
	return fmt.Sprintf("%d files", len(files))
}

func shortSession(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if len(sessionID) > sessionTag {
		return sessionID[:sessionTag]
	}
	return sessionID
}

func truncate(s string) string {
	if len(s) <= subjectLimit {
		return s
	}
	return s[:subjectLimit-3] + "..."
}

func wrap(s string, col int) string {
	words := strings.Fields(s)
	var lines []string
	line := ""
	for _, word := range words {
		if line == "" {
			line = word
			continue
		}
		if len(line)+1+len(word) > col {
			lines = append(lines, line)
			line = word
			continue
		}
		line += " " + word
	}
	if line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
