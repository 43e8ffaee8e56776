package assignment

import (
	"strings"

	"github.com/reflectt/boardserver/internal/config"
)

// AssignmentResult is the outcome of ResolveAssignment: the chosen
// assignee plus the breadcrumbs the bridge records onto
// metadata.assignment_decision.
type AssignmentResult struct {
	Assignee             string
	Reason               string
	GuardrailApplied     bool
	SoleAuthorFallback   bool
	CandidatesConsidered []string
	Suggestion           Suggestion
}

// ResolveAssignment implements the author-exclusion guardrail of spec
// §4.4, applied by the insight bridge. authors is the insight's author
// list; registry and wip feed the underlying Score call.
func ResolveAssignment(spec CandidateSpec, authors []string, registry []config.AgentRole, wip WIPCounts) AssignmentResult {
	suggestion := Score(spec, registry, wip)
	candidates := candidateNames(suggestion.Ranked)

	if len(authors) != 1 {
		// Multi-author (or authorless) insight: normal scoring, no
		// guardrail considerations.
		assignee := topAgent(suggestion.Ranked)
		if suggestion.ProtectedMatch != "" {
			assignee = suggestion.ProtectedMatch
		}
		return AssignmentResult{
			Assignee:             assignee,
			Reason:               "scored",
			CandidatesConsidered: candidates,
			Suggestion:           suggestion,
		}
	}

	author := authors[0]

	if strings.EqualFold(suggestion.ProtectedMatch, author) {
		return AssignmentResult{
			Assignee:             author,
			Reason:               "protected_domain_author_match",
			CandidatesConsidered: candidates,
			Suggestion:           suggestion,
		}
	}

	authorScore, authorFound := ScoreFor(suggestion.Ranked, author)
	bestNonAuthor, nonAuthorFound := TopNonAuthor(suggestion.Ranked, authors)

	if authorFound && authorScore.Score > 0 {
		threshold := bestNonAuthor.Score * 1.5
		diff := authorScore.Score - bestNonAuthor.Score
		if !nonAuthorFound || authorScore.Score > threshold || diff >= 0.2 {
			return AssignmentResult{
				Assignee:             author,
				Reason:               "author_affinity_dominant",
				GuardrailApplied:     true,
				SoleAuthorFallback:   true,
				CandidatesConsidered: candidates,
				Suggestion:           suggestion,
			}
		}
	}

	if nonAuthorFound {
		top := topAgent(suggestion.Ranked)
		if !strings.EqualFold(top, author) {
			return AssignmentResult{
				Assignee:             top,
				Reason:               "top_scorer_non_author",
				GuardrailApplied:     true,
				CandidatesConsidered: candidates,
				Suggestion:           suggestion,
			}
		}
		return AssignmentResult{
			Assignee:             bestNonAuthor.Agent,
			Reason:               "best_non_author",
			GuardrailApplied:     true,
			CandidatesConsidered: candidates,
			Suggestion:           suggestion,
		}
	}

	return AssignmentResult{
		Assignee:             author,
		Reason:               "no_non_author_candidate",
		GuardrailApplied:     true,
		SoleAuthorFallback:   true,
		CandidatesConsidered: candidates,
		Suggestion:           suggestion,
	}
}

// ResolveReviewer implements spec §4.4's reviewer-selection rule: score
// excluding the assignee; if soleAuthorFallback and
// requireNonAuthorReviewer, no author may be picked — walk the ranking,
// then fall back to the configured default reviewer, then any agent
// outside {assignee} ∪ authors.
func ResolveReviewer(spec CandidateSpec, assignee string, authors []string, soleAuthorFallback bool, policy *config.Policy, wip WIPCounts) string {
	exclude := []string{assignee}
	suggestion := Score(spec, policy.Agents, wip, exclude...)

	disallowed := map[string]bool{strings.ToLower(assignee): true}
	if soleAuthorFallback && policy.RequireNonAuthorReviewer {
		for _, a := range authors {
			disallowed[strings.ToLower(a)] = true
		}
	}

	for _, r := range suggestion.Ranked {
		if !disallowed[strings.ToLower(r.Agent)] {
			return r.Agent
		}
	}

	if def := policy.DefaultReviewer; def != "" && !disallowed[strings.ToLower(def)] {
		return def
	}

	for _, role := range policy.Agents {
		if !disallowed[strings.ToLower(role.Name)] {
			return role.Name
		}
	}

	return policy.DefaultReviewer
}

// ActivePresence is the minimal view ResolveReassignment needs of
// presence to decide who counts as "seen in the last hour".
type ActivePresence interface {
	IsActive(agent string) bool
}

// ResolveReassignment implements spec §4.4's watchdog reviewer
// reassignment: rank candidates restricted to presence-active agents,
// skip {currentReviewer, assignee, escalationAgent}, and report
// "escalate" when nobody is left.
func ResolveReassignment(spec CandidateSpec, currentReviewer, assignee, escalationAgent string, active ActivePresence, policy *config.Policy, wip WIPCounts) (newReviewer string, escalate bool) {
	skip := map[string]bool{
		strings.ToLower(currentReviewer): true,
		strings.ToLower(assignee):        true,
		strings.ToLower(escalationAgent): true,
	}

	suggestion := Score(spec, policy.Agents, wip)
	for _, r := range suggestion.Ranked {
		if skip[strings.ToLower(r.Agent)] {
			continue
		}
		if active != nil && !active.IsActive(r.Agent) {
			continue
		}
		return r.Agent, false
	}
	return "", true
}

func candidateNames(ranked []ScoredAgent) []string {
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.Agent)
	}
	return out
}

func topAgent(ranked []ScoredAgent) string {
	if len(ranked) == 0 {
		return ""
	}
	return ranked[0].Agent
}
