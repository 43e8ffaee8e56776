// Package assignment implements the deterministic scoring function used
// to pick a task's assignee and reviewer: tag/keyword affinity, a WIP
// penalty that grows as an agent approaches their cap, a protected-domain
// override, and the author-exclusion guardrail that keeps an insight's
// sole author off their own fix unless no better candidate exists.
package assignment

import (
	"sort"
	"strings"

	"github.com/reflectt/boardserver/internal/config"
)

// CandidateSpec is the task-shaped input scoring reads from (title, tags,
// done criteria, cluster/family metadata).
type CandidateSpec struct {
	Title         string
	Tags          []string
	DoneCriteria  []string
	ClusterKey    string
	FailureFamily string
}

// Breakdown is the per-agent scoring detail surfaced for audit.
type Breakdown struct {
	Affinity   float64 `json:"affinity"`
	WIPPenalty float64 `json:"wipPenalty"`
	RoleBoost  float64 `json:"roleBoost"`
}

// ScoredAgent is one row of a ranked candidate list (spec §4.4).
type ScoredAgent struct {
	Agent     string    `json:"agent"`
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	OverCap   bool      `json:"overCap"`
}

// Suggestion is the result of Score: the ranked candidates plus any
// protected-domain override that should take precedence over the ranking.
type Suggestion struct {
	Ranked         []ScoredAgent
	ProtectedMatch string
}

// WIPCounts maps agent name (lowercased) to its current doing-count.
type WIPCounts map[string]int

// Score ranks every agent in the registry against spec, excluding any
// name in exclude (case-insensitive). Output is sorted by score
// descending, ties broken by agent name ascending.
func Score(spec CandidateSpec, registry []config.AgentRole, wip WIPCounts, exclude ...string) Suggestion {
	excluded := map[string]bool{}
	for _, e := range exclude {
		excluded[strings.ToLower(e)] = true
	}

	var out Suggestion
	keywords := keywordSet(spec)

	for _, role := range registry {
		if excluded[strings.ToLower(role.Name)] {
			continue
		}
		if neverRoutes(role, spec) {
			continue
		}

		if out.ProtectedMatch == "" && protectedDomainMatches(role, spec) {
			out.ProtectedMatch = role.Name
		}

		affinity := tagAffinity(role.Tags, spec.Tags) + keywordAffinity(role.Tags, keywords)
		cap := role.WIPCap
		if cap <= 0 {
			cap = 3
		}
		count := wip[strings.ToLower(role.Name)]
		overCap := count >= cap
		penalty := wipPenalty(count, cap)
		roleBoost := 0.0
		if role.Role == "lead" {
			roleBoost = 0.05
		}

		score := affinity - penalty + roleBoost
		out.Ranked = append(out.Ranked, ScoredAgent{
			Agent: role.Name,
			Score: score,
			Breakdown: Breakdown{
				Affinity:   affinity,
				WIPPenalty: penalty,
				RoleBoost:  roleBoost,
			},
			OverCap: overCap,
		})
	}

	sort.SliceStable(out.Ranked, func(i, j int) bool {
		if out.Ranked[i].Score != out.Ranked[j].Score {
			return out.Ranked[i].Score > out.Ranked[j].Score
		}
		return strings.ToLower(out.Ranked[i].Agent) < strings.ToLower(out.Ranked[j].Agent)
	})

	return out
}

func neverRoutes(role config.AgentRole, spec CandidateSpec) bool {
	hay := strings.ToLower(spec.Title + " " + spec.ClusterKey + " " + spec.FailureFamily)
	for _, nr := range role.NeverRoute {
		if nr != "" && strings.Contains(hay, strings.ToLower(nr)) {
			return true
		}
	}
	return false
}

func protectedDomainMatches(role config.AgentRole, spec CandidateSpec) bool {
	hay := strings.ToLower(spec.Title + " " + spec.ClusterKey)
	for _, pattern := range role.ProtectedDomains {
		if pattern != "" && strings.Contains(hay, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func tagAffinity(agentTags, taskTags []string) float64 {
	if len(agentTags) == 0 || len(taskTags) == 0 {
		return 0
	}
	set := make(map[string]bool, len(agentTags))
	for _, t := range agentTags {
		set[strings.ToLower(t)] = true
	}
	overlap := 0
	for _, t := range taskTags {
		if set[strings.ToLower(t)] {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	return float64(overlap) / float64(len(taskTags))
}

func keywordSet(spec CandidateSpec) []string {
	words := strings.Fields(strings.ToLower(spec.Title))
	for _, dc := range spec.DoneCriteria {
		words = append(words, strings.Fields(strings.ToLower(dc))...)
	}
	if spec.ClusterKey != "" {
		words = append(words, strings.Split(strings.ToLower(spec.ClusterKey), "::")...)
	}
	if spec.FailureFamily != "" {
		words = append(words, strings.ToLower(spec.FailureFamily))
	}
	return words
}

func keywordAffinity(agentTags []string, keywords []string) float64 {
	if len(agentTags) == 0 || len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, tag := range agentTags {
		tag = strings.ToLower(tag)
		for _, kw := range keywords {
			if kw == tag || strings.Contains(kw, tag) || strings.Contains(tag, kw) {
				hits++
				break
			}
		}
	}
	if hits == 0 {
		return 0
	}
	return 0.15 * float64(hits)
}

// wipPenalty grows linearly from 0 (idle) to 0.3 at cap, and stops at
// 0.45 once count reaches 1.5x cap, so an agent sitting at their cap
// scores strictly worse than an idle one with equal affinity.
func wipPenalty(count, cap int) float64 {
	if cap <= 0 {
		return 0
	}
	ratio := float64(count) / float64(cap)
	if ratio > 1.5 {
		ratio = 1.5
	}
	return 0.3 * ratio
}

// TopNonAuthor returns the highest-scored agent in ranked that is not in
// authors, and whether one was found.
func TopNonAuthor(ranked []ScoredAgent, authors []string) (ScoredAgent, bool) {
	authorSet := map[string]bool{}
	for _, a := range authors {
		authorSet[strings.ToLower(a)] = true
	}
	for _, r := range ranked {
		if !authorSet[strings.ToLower(r.Agent)] {
			return r, true
		}
	}
	return ScoredAgent{}, false
}

// ScoreFor returns the scored row for name within ranked, or false if
// absent (e.g. excluded by never-route).
func ScoreFor(ranked []ScoredAgent, name string) (ScoredAgent, bool) {
	for _, r := range ranked {
		if strings.EqualFold(r.Agent, name) {
			return r, true
		}
	}
	return ScoredAgent{}, false
}
