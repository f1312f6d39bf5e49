package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// resetHardTo rewinds the worktree to a commit.
func resetHardTo(t *testing.T, repo *gogit.Repository, commit plumbing.Hash) {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("getting worktree: %v", err)
	}
	if err := wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: commit}); err != nil {
		t.Fatalf("rewinding to %s: %v", commit, err)
	}
}

func newTestSynchronizer(cfg Config) *Synchronizer {
	creds := NewCredentials(cfg)
	return NewSynchronizer(cfg, creds, NewBranchManager(cfg, testLogger()), testLogger())
}

func TestShouldPull_NegativeRefreshRateNeverPulls(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	addOrigin(t, repo, "https://example.com/repo.git")

	cfg := localConfig(dir)
	cfg.RefreshRateSeconds = -1
	s := newTestSynchronizer(cfg)

	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if should {
		t.Error("refreshRate < 0 must never pull")
	}
}

func TestShouldPull_CleanWithOrigin(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	addOrigin(t, repo, "https://example.com/repo.git")

	s := newTestSynchronizer(localConfig(dir))
	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !should {
		t.Error("clean tree with origin should pull")
	}
}

func TestShouldPull_NoOrigin(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")

	s := newTestSynchronizer(localConfig(dir))
	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if should {
		t.Error("repo without origin must not pull")
	}
}

func TestShouldPull_DirtyWithoutForcePull(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	addOrigin(t, repo, "https://example.com/repo.git")
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("dirty"), 0o644); err != nil {
		t.Fatalf("dirtying tree: %v", err)
	}

	s := newTestSynchronizer(localConfig(dir))
	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if should {
		t.Error("dirty tree without force-pull must not pull")
	}
}

func TestShouldPull_DirtyWithForcePull(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	addOrigin(t, repo, "https://example.com/repo.git")
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("dirty"), 0o644); err != nil {
		t.Fatalf("dirtying tree: %v", err)
	}

	cfg := localConfig(dir)
	cfg.ForcePull = true
	s := newTestSynchronizer(cfg)

	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !should {
		t.Error("dirty tree with force-pull must pull")
	}
}

func TestShouldPull_Debounce(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	addOrigin(t, repo, "https://example.com/repo.git")

	cfg := localConfig(dir)
	cfg.RefreshRateSeconds = 300
	s := newTestSynchronizer(cfg)

	current := time.Now()
	s.now = func() time.Time { return current }

	should, err := s.ShouldPull(repo)
	if err != nil || !should {
		t.Fatalf("first call should pull: should=%v err=%v", should, err)
	}
	s.lastRefresh = s.now() // what Fetch stamps before calling out

	current = current.Add(100 * time.Second)
	should, err = s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if should {
		t.Error("second call inside the refresh window must not pull")
	}

	current = current.Add(250 * time.Second)
	should, err = s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !should {
		t.Error("call after the refresh window should pull")
	}
}

func TestShouldPull_FailedFetchStillConsumesWindow(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	// Origin that cannot be fetched: transport errors are swallowed.
	addOrigin(t, repo, filepath.Join(t.TempDir(), "does-not-exist"))

	cfg := localConfig(dir)
	cfg.RefreshRateSeconds = 300
	s := newTestSynchronizer(cfg)

	current := time.Now()
	s.now = func() time.Time { return current }

	if result := s.Fetch(context.Background(), repo, "main"); result != nil {
		t.Fatalf("fetch against a missing remote should fail softly, got %+v", result)
	}
	if s.lastRefresh.IsZero() {
		t.Fatal("lastRefresh must be stamped before the fetch call")
	}

	current = current.Add(100 * time.Second)
	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if should {
		t.Error("failed fetch must still throttle the next pull")
	}
}

func TestForceNextPull_BypassesDebounceOnce(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")
	addOrigin(t, repo, "https://example.com/repo.git")

	cfg := localConfig(dir)
	cfg.RefreshRateSeconds = -1
	s := newTestSynchronizer(cfg)

	if should, _ := s.ShouldPull(repo); should {
		t.Fatal("never-pull config must not pull")
	}

	s.ForceNextPull()
	should, err := s.ShouldPull(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !should {
		t.Error("armed force latch must bypass the debounce")
	}

	if should, _ := s.ShouldPull(repo); should {
		t.Error("force latch must be one-shot")
	}
}

func TestIsClean_AheadOfOrigin(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	base := commitFile(t, repo, dir, "f", "1", "c1")
	commitFile(t, repo, dir, "f", "2", "c2")
	setRef(t, repo, "refs/remotes/origin/main", base)

	s := newTestSynchronizer(localConfig(dir))
	if s.IsClean(repo, "main") {
		t.Error("local-only commits on top of origin must read as not clean")
	}
}

func TestIsClean_BehindOriginIsClean(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	base := commitFile(t, repo, dir, "f", "1", "c1")
	ahead := commitFile(t, repo, dir, "f", "2", "c2")

	// Rewind the local branch to base; origin stays at the later commit.
	setRef(t, repo, "refs/heads/main", base)
	resetHardTo(t, repo, base)
	setRef(t, repo, "refs/remotes/origin/main", ahead)

	s := newTestSynchronizer(localConfig(dir))
	if !s.IsClean(repo, "main") {
		t.Error("strictly behind origin counts as clean; the merge fast-forwards")
	}
}

func TestIsClean_NoTrackingRef(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	commitFile(t, repo, dir, "f", "1", "c1")

	s := newTestSynchronizer(localConfig(dir))
	if !s.IsClean(repo, "main") {
		t.Error("missing tracking ref counts as not ahead")
	}
}

func TestTryMerge_ResetsToOrigin(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	base := commitFile(t, repo, dir, "f", "remote-content", "c1")
	local := commitFile(t, repo, dir, "f", "local-only", "local commit")
	setRef(t, repo, "refs/remotes/origin/main", base)

	s := newTestSynchronizer(localConfig(dir))
	s.TryMerge(repo, "main")

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("resolving HEAD: %v", err)
	}
	if head.Hash() == local {
		t.Error("local-only commit should have been discarded")
	}
	if head.Hash() != base {
		t.Errorf("expected HEAD at origin/main %s, got %s", base, head.Hash())
	}
	data, err := os.ReadFile(filepath.Join(dir, "f"))
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(data) != "remote-content" {
		t.Errorf("expected working file restored to remote content, got %q", data)
	}
}

func TestTryMerge_FastForward(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	base := commitFile(t, repo, dir, "f", "1", "c1")
	ahead := commitFile(t, repo, dir, "f", "2", "c2")

	setRef(t, repo, "refs/heads/main", base)
	resetHardTo(t, repo, base)
	setRef(t, repo, "refs/remotes/origin/main", ahead)

	s := newTestSynchronizer(localConfig(dir))
	s.TryMerge(repo, "main")

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("resolving HEAD: %v", err)
	}
	if head.Hash() != ahead {
		t.Errorf("expected fast-forward to %s, got %s", ahead, head.Hash())
	}
	data, _ := os.ReadFile(filepath.Join(dir, "f"))
	if string(data) != "2" {
		t.Errorf("expected working file at origin content, got %q", data)
	}
}

func TestFetch_FailsSoftlyOnMissingRemote(t *testing.T) {
	dir := t.TempDir()
	repo := initRepo(t, dir, "main")
	base := commitFile(t, repo, dir, "f", "1", "c1")
	setRef(t, repo, "refs/remotes/origin/gone", base)
	addOrigin(t, repo, filepath.Join(t.TempDir(), "does-not-exist"))

	cfg := localConfig(dir)
	cfg.DeleteUntrackedBranches = true
	s := newTestSynchronizer(cfg)

	// The fetch fails (missing remote), so no prune happens and the result
	// is nil: stale data is preferred to a failed request.
	if result := s.Fetch(context.Background(), repo, "main"); result != nil {
		t.Errorf("expected nil result from failed fetch, got %+v", result)
	}
}
