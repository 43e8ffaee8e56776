// Package approval implements the chat-driven approval detector (spec
// §4.6): an inline event-bus listener that scans message_posted content
// for approval language and, when it unambiguously resolves to a single
// validating task reviewed by the poster, idempotently marks it approved.
package approval

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reflectt/boardserver/internal/store"
)

var taskRefPattern = regexp.MustCompile(`task-\d+-[a-z0-9]+`)

// approvalPatterns are case-insensitive, word-boundary regexes (spec
// §4.6 step 3).
var approvalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\blgtm\b`),
	regexp.MustCompile(`(?i)\bapproved?\b`),
	regexp.MustCompile(`(?i)\bship it\b`),
	regexp.MustCompile(`(?i)\blooks good( to me)?\b`),
	regexp.MustCompile(`(?i)\bgood to (go|merge)\b`),
	regexp.MustCompile(`(?i)\blooks (great|solid|nice)\b`),
	regexp.MustCompile(`(?i)\ball good\b`),
	regexp.MustCompile(`(?i)\bnice work\b`),
	regexp.MustCompile(`✅`),
	regexp.MustCompile(`👍`),
}

// rejectionPatterns co-occurring with an approval pattern cancel the
// detection (spec §4.6 step 4).
var rejectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnot approved\b`),
	regexp.MustCompile(`(?i)\bneeds changes\b`),
	regexp.MustCompile(`(?i)\brejected\b`),
	regexp.MustCompile(`(?i)\bblocking\b`),
	regexp.MustCompile(`(?i)\bbut(?:\s+[^.]*?)?\b(fix|changes|needs)\b`),
}

// Skip reasons, surfaced for observability/logging rather than returned
// to any caller (the detector is an inline bus listener; it has no
// request/response contract of its own).
const (
	ReasonNoApprovalLanguage = "no_approval_language"
	ReasonRejectionSignal    = "rejection_signal"
	ReasonAmbiguousTasks     = "ambiguous_tasks"
	ReasonNoValidatingTasks  = "no_validating_tasks"
	ReasonAlreadyApproved    = "already_approved"
	ReasonApplied            = "applied"
)

// Detect runs the full spec §4.6 pipeline for one message and, on a
// clean resolution, applies the approval. It returns the reason for
// whatever happened (applied or one of the skip reasons above) together
// with the task id affected, if any.
func Detect(tasks *store.TaskStore, from, content string, postedAt int64) (reason string, taskID string) {
	if !matchesAny(approvalPatterns, content) {
		return ReasonNoApprovalLanguage, ""
	}
	if matchesAny(rejectionPatterns, content) {
		return ReasonRejectionSignal, ""
	}

	candidates, aerr := tasks.ListTasks(store.TaskFilter{Status: store.StatusValidating})
	if aerr != nil {
		return ReasonNoValidatingTasks, ""
	}

	var reviewed []*store.Task
	for _, t := range candidates {
		if strings.EqualFold(t.Reviewer, from) && !store.ReviewerApproved(t.Metadata) {
			reviewed = append(reviewed, t)
		}
	}

	refs := extractRefs(content)
	var target *store.Task
	var resolution string

	if len(refs) > 0 {
		var matched []*store.Task
		for _, t := range reviewed {
			for _, ref := range refs {
				if t.ID == ref {
					matched = append(matched, t)
					break
				}
			}
		}
		if len(matched) != 1 {
			return ReasonAmbiguousTasks, ""
		}
		target = matched[0]
		resolution = "explicit_reference"
	} else {
		if len(reviewed) != 1 {
			if len(reviewed) == 0 {
				return ReasonNoValidatingTasks, ""
			}
			return ReasonAmbiguousTasks, ""
		}
		target = reviewed[0]
		resolution = "sole_validating"
	}

	if store.ReviewerApproved(target.Metadata) {
		return ReasonAlreadyApproved, target.ID
	}

	decision := store.ReviewerDecision{
		Decision:   "approved",
		Reviewer:   from,
		Comment:    content,
		DecidedAt:  postedAt,
		Source:     "chat-approval-detector",
		Resolution: resolution,
	}
	metadata := map[string]any{"reviewer_approved": true, "review_state": "approved", "actor": from}
	store.PutReviewerDecision(metadata, decision)

	if _, aerr := tasks.UpdateTask(target.ID, store.TaskPatch{Metadata: metadata, Actor: from}); aerr != nil {
		return ReasonAlreadyApproved, target.ID
	}

	matchedPattern := firstMatch(approvalPatterns, content)
	comment := fmt.Sprintf("[review] auto-approved by @%s (pattern: %s)", from, matchedPattern)
	tasks.AddTaskComment(target.ID, "system", comment, postedAt)

	return ReasonApplied, target.ID
}

// OnMessagePosted adapts Detect to the events.Listener / EventSink
// callback shape expected when wiring this as an inline bus subscriber
// on message_posted.
func OnMessagePosted(tasks *store.TaskStore, from, content string, postedAt int64) {
	Detect(tasks, from, content, postedAt)
}

func matchesAny(patterns []*regexp.Regexp, content string) bool {
	for _, p := range patterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

func firstMatch(patterns []*regexp.Regexp, content string) string {
	for _, p := range patterns {
		if m := p.FindString(content); m != "" {
			return m
		}
	}
	return ""
}

func extractRefs(content string) []string {
	matches := taskRefPattern.FindAllString(content, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
