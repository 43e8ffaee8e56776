package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/reflectt/boardserver/internal/apierr"
	"github.com/reflectt/boardserver/internal/store"
)

// prURLPattern scans metadata/artifact fields for the first PR link,
// per spec §4.8's "first github.com/.../pull/\d+" resolution rule.
var prURLPattern = regexp.MustCompile(`https?://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

// PRInfo is what a Fetcher resolves about the PR itself.
type PRInfo struct {
	URL    string
	Number int
	State  string // "open", "merged", "closed", "unknown"
}

// CIStatus is what a Fetcher resolves about the PR's CI run.
type CIStatus struct {
	State   string // "success", "failure", "pending", "unknown"
	Details string
}

// Fetcher is the pluggable code-host port (spec §9: "Implement as a
// pluggable fetcher with (resolvePr, resolveStatus); tolerate missing
// credentials and network outages with state=unknown").
type Fetcher interface {
	ResolvePR(ctx context.Context, prURL string) (PRInfo, error)
	ResolveStatus(ctx context.Context, prURL string) (CIStatus, error)
}

// HTTPFetcher is a minimal GitHub REST fetcher. No third-party HTTP or
// GitHub SDK exists anywhere in the dependency pack, so this uses
// net/http + encoding/json directly (see DESIGN.md for the stdlib
// justification); callers needing a richer client host can swap in
// their own Fetcher.
type HTTPFetcher struct {
	Client *http.Client
	Token  string // GITHUB_TOKEN or equivalent; empty is tolerated
}

// NewHTTPFetcher builds a fetcher with the ~5s timeout spec §5
// prescribes for outgoing PR/CI calls.
func NewHTTPFetcher(token string) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 5 * time.Second}, Token: token}
}

var prPathPattern = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

func (f *HTTPFetcher) do(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("github api: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (f *HTTPFetcher) ResolvePR(ctx context.Context, prURL string) (PRInfo, error) {
	m := prPathPattern.FindStringSubmatch(prURL)
	if m == nil {
		return PRInfo{URL: prURL, State: "unknown"}, fmt.Errorf("not a recognizable PR url")
	}
	owner, repo, number := m[1], m[2], m[3]

	var body struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Merged bool   `json:"merged"`
	}
	api := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s", owner, repo, number)
	if err := f.do(ctx, api, &body); err != nil {
		return PRInfo{URL: prURL, State: "unknown"}, err
	}
	state := body.State
	if body.Merged {
		state = "merged"
	}
	return PRInfo{URL: prURL, Number: body.Number, State: state}, nil
}

func (f *HTTPFetcher) ResolveStatus(ctx context.Context, prURL string) (CIStatus, error) {
	m := prPathPattern.FindStringSubmatch(prURL)
	if m == nil {
		return CIStatus{State: "unknown"}, fmt.Errorf("not a recognizable PR url")
	}
	owner, repo, number := m[1], m[2], m[3]

	var pr struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	prAPI := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s", owner, repo, number)
	if err := f.do(ctx, prAPI, &pr); err != nil || pr.Head.SHA == "" {
		return CIStatus{State: "unknown"}, err
	}

	var combined struct {
		State string `json:"state"`
	}
	statusAPI := fmt.Sprintf("https://api.github.com/repos/%s/%s/commits/%s/status", owner, repo, pr.Head.SHA)
	if err := f.do(ctx, statusAPI, &combined); err != nil {
		return CIStatus{State: "unknown"}, err
	}
	return CIStatus{State: combined.State}, nil
}

// ReviewBundle is the result of BuildReviewBundle: resolved PR/CI state,
// artifact resolution, and the pass/fail verdict (spec §4.8).
type ReviewBundle struct {
	TaskID       string   `json:"task_id"`
	PRURL        string   `json:"pr_url,omitempty"`
	PR           PRInfo   `json:"pr"`
	CI           CIStatus `json:"ci"`
	ArtifactsAll []string `json:"artifact_paths"`
	ArtifactsOK  []string `json:"artifacts_resolved"`
	Verdict      string   `json:"verdict"`
	Reasons      []string `json:"reasons,omitempty"`
}

// BuildReviewBundle resolves the PR, its CI status, and on-disk artifact
// existence for a task, then computes the pass/fail verdict. It never
// returns an upstream-fetch error: PR/CI failures downgrade state to
// "unknown" and contribute to reasons instead (spec §7).
func BuildReviewBundle(ctx context.Context, fetcher Fetcher, task *store.Task, strict bool, workspaceRoots []string) (ReviewBundle, *apierr.Error) {
	bundle := ReviewBundle{TaskID: task.ID}
	var reasons []string

	bundle.PRURL = resolvePRURL(task)
	if bundle.PRURL == "" {
		reasons = append(reasons, "no PR URL found in metadata, artifacts, or qa_bundle")
		bundle.PR = PRInfo{State: "unknown"}
		bundle.CI = CIStatus{State: "unknown"}
	} else {
		pr, err := fetcher.ResolvePR(ctx, bundle.PRURL)
		if err != nil {
			reasons = append(reasons, "pr resolution failed: "+err.Error())
		}
		bundle.PR = pr

		ci, err := fetcher.ResolveStatus(ctx, bundle.PRURL)
		if err != nil {
			reasons = append(reasons, "ci status fetch failed: "+err.Error())
		}
		bundle.CI = ci
	}

	bundle.ArtifactsAll = artifactPaths(task)
	for _, path := range bundle.ArtifactsAll {
		if artifactExists(workspaceRoots, path) {
			bundle.ArtifactsOK = append(bundle.ArtifactsOK, path)
		}
	}
	if len(bundle.ArtifactsAll) == 0 {
		reasons = append(reasons, "no process/ artifact paths declared")
	} else if len(bundle.ArtifactsOK) == 0 {
		reasons = append(reasons, "no declared artifact paths resolved to an existing file")
	}

	prResolved := bundle.PR.State != "" && bundle.PR.State != "unknown"
	ciOK := !strict || bundle.CI.State == "success"
	if strict && bundle.CI.State != "success" {
		reasons = append(reasons, fmt.Sprintf("ci state %q is not success", bundle.CI.State))
	}
	if !prResolved {
		reasons = append(reasons, "pr could not be resolved")
	}

	if prResolved && ciOK && len(bundle.ArtifactsAll) > 0 && len(bundle.ArtifactsOK) > 0 {
		bundle.Verdict = "pass"
	} else {
		bundle.Verdict = "fail"
	}
	bundle.Reasons = reasons

	return bundle, nil
}

func resolvePRURL(task *store.Task) string {
	if task.Metadata != nil {
		if u := asStr(task.Metadata["pr_url"]); prURLPattern.MatchString(u) {
			return prURLPattern.FindString(u)
		}
		for _, v := range asStrSlice(task.Metadata["artifacts"]) {
			if prURLPattern.MatchString(v) {
				return prURLPattern.FindString(v)
			}
		}
		if qa, ok := store.GetQaBundle(task.Metadata); ok {
			for _, v := range qa.ArtifactLinks {
				if prURLPattern.MatchString(v) {
					return prURLPattern.FindString(v)
				}
			}
		}
	}
	return ""
}

// artifactPaths returns every process/-rooted path declared on the task
// (metadata.artifacts plus qa_bundle.artifact_links), deduped.
func artifactPaths(task *store.Task) []string {
	if task.Metadata == nil {
		return nil
	}
	var all []string
	all = append(all, asStrSlice(task.Metadata["artifacts"])...)
	if qa, ok := store.GetQaBundle(task.Metadata); ok {
		all = append(all, qa.ArtifactLinks...)
	}
	var out []string
	for _, p := range all {
		if strings.HasPrefix(p, "process/") {
			out = append(out, p)
		}
	}
	return dedupe(out)
}

func artifactExists(roots []string, relPath string) bool {
	for _, root := range roots {
		if _, err := os.Stat(root + string(os.PathSeparator) + relPath); err == nil {
			return true
		}
	}
	return false
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}

func asStrSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SummaryComment renders the audit comment appended after every review
// bundle run (spec §4.8: "Always append an audit comment summarizing
// the result").
func SummaryComment(b ReviewBundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review bundle: verdict=%s\n", b.Verdict)
	if b.PRURL != "" {
		fmt.Fprintf(&sb, "PR: %s (state=%s)\n", b.PRURL, b.PR.State)
	}
	fmt.Fprintf(&sb, "CI: %s\n", b.CI.State)
	fmt.Fprintf(&sb, "Artifacts: %d/%d resolved\n", len(b.ArtifactsOK), len(b.ArtifactsAll))
	if len(b.Reasons) > 0 {
		fmt.Fprintf(&sb, "Reasons: %s\n", strings.Join(b.Reasons, "; "))
	}
	return sb.String()
}
