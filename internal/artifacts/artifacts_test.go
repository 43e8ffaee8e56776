package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/reflectt/boardserver/internal/store"
)

func TestMirror_CopiesFileIntoDestMkdirP(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	nested := filepath.Join(src, "process", "reports")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("setup mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "qa.txt"), []byte("evidence"), 0o644); err != nil {
		t.Fatalf("setup write: %v", err)
	}

	res := Mirror([]string{src}, "process/reports/qa.txt", dest)
	if res.Error != "" {
		t.Fatalf("unexpected mirror error: %s", res.Error)
	}
	if res.FilesCopied != 1 {
		t.Errorf("expected 1 file copied, got %d", res.FilesCopied)
	}

	got, err := os.ReadFile(filepath.Join(dest, "process", "reports", "qa.txt"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(got) != "evidence" {
		t.Errorf("expected copied content preserved, got %q", got)
	}
}

func TestMirror_NotFoundIsNonFatal(t *testing.T) {
	dest := t.TempDir()
	res := Mirror([]string{t.TempDir()}, "process/missing.txt", dest)
	if res.Error == "" {
		t.Errorf("expected a non-fatal error string when artifact is absent")
	}
}

func TestMirror_RejectsPathOutsideProcess(t *testing.T) {
	res := Mirror([]string{t.TempDir()}, "etc/passwd", t.TempDir())
	if res.Error == "" {
		t.Errorf("expected rejection of a non-process/ artifact path")
	}
}

func TestRoots_OrderAndDedupe(t *testing.T) {
	state := t.TempDir()
	if err := os.MkdirAll(filepath.Join(state, "workspace-extra"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	roots := Roots(state, "/explicit/override", "Link Agent")
	if roots[0] != "/explicit/override" {
		t.Errorf("expected explicit override first, got %v", roots)
	}
	wantSanitized := filepath.Join(state, "workspace-Link_Agent")
	if roots[1] != wantSanitized {
		t.Errorf("expected sanitized assignee workspace second, got %v", roots)
	}
	foundExtra := false
	for _, r := range roots {
		if r == filepath.Join(state, "workspace-extra") {
			foundExtra = true
		}
	}
	if !foundExtra {
		t.Errorf("expected discovered workspace-* dir in roots, got %v", roots)
	}
}

type stubFetcher struct {
	pr  PRInfo
	ci  CIStatus
	err error
}

func (s stubFetcher) ResolvePR(ctx context.Context, prURL string) (PRInfo, error) { return s.pr, s.err }
func (s stubFetcher) ResolveStatus(ctx context.Context, prURL string) (CIStatus, error) {
	return s.ci, s.err
}

func taskWithArtifacts(t *testing.T, prURL string, artifactPaths []string) *store.Task {
	t.Helper()
	md := map[string]any{
		"pr_url":    prURL,
		"artifacts": artifactPaths,
	}
	return &store.Task{ID: "task-1-abcd", Metadata: md}
}

func TestBuildReviewBundle_PassesWhenAllSignalsGreen(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "process"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "process", "out.log"), []byte("ok"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	task := taskWithArtifacts(t, "https://github.com/acme/repo/pull/42", []string{"process/out.log"})
	fetcher := stubFetcher{pr: PRInfo{URL: "x", State: "open"}, ci: CIStatus{State: "success"}}

	bundle, aerr := BuildReviewBundle(context.Background(), fetcher, task, true, []string{root})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if bundle.Verdict != "pass" {
		t.Errorf("expected verdict=pass, got %s reasons=%v", bundle.Verdict, bundle.Reasons)
	}
}

func TestBuildReviewBundle_FailsWhenCIPendingUnderStrict(t *testing.T) {
	task := taskWithArtifacts(t, "https://github.com/acme/repo/pull/42", []string{"process/out.log"})
	fetcher := stubFetcher{pr: PRInfo{URL: "x", State: "open"}, ci: CIStatus{State: "pending"}}

	bundle, aerr := BuildReviewBundle(context.Background(), fetcher, task, true, []string{t.TempDir()})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if bundle.Verdict != "fail" {
		t.Errorf("expected verdict=fail on pending CI under strict mode, got %s", bundle.Verdict)
	}
	if len(bundle.Reasons) == 0 {
		t.Errorf("expected reasons populated on fail")
	}
}

func TestBuildReviewBundle_NoPRUrlDowngradesToUnknown(t *testing.T) {
	task := taskWithArtifacts(t, "", nil)
	fetcher := stubFetcher{}

	bundle, aerr := BuildReviewBundle(context.Background(), fetcher, task, true, []string{t.TempDir()})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if bundle.CI.State != "unknown" || bundle.PR.State != "unknown" {
		t.Errorf("expected unknown pr/ci state with no pr url, got pr=%s ci=%s", bundle.PR.State, bundle.CI.State)
	}
	if bundle.Verdict != "fail" {
		t.Errorf("expected verdict=fail with no pr url")
	}
}
