package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// initRepo creates a working tree with its default branch named branch.
func initRepo(t *testing.T, dir, branch string) *gogit.Repository {
	t.Helper()
	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(branch),
		},
	})
	if err != nil {
		t.Fatalf("initialising repo in %s: %v", dir, err)
	}
	return repo
}

// commitFile writes content into the working tree and commits it.
func commitFile(t *testing.T, repo *gogit.Repository, dir, name, content, msg string) plumbing.Hash {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		t.Fatalf("creating parent dirs for %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("getting worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("adding %s: %v", name, err)
	}
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("committing %s: %v", msg, err)
	}
	return hash
}

// setRef points a ref at a commit without touching the worktree.
func setRef(t *testing.T, repo *gogit.Repository, name string, hash plumbing.Hash) {
	t.Helper()
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("setting ref %s: %v", name, err)
	}
}

// addOrigin attaches an origin remote without fetching from it.
func addOrigin(t *testing.T, repo *gogit.Repository, url string) {
	t.Helper()
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: originRemote,
		URLs: []string{url},
	})
	if err != nil {
		t.Fatalf("creating origin remote: %v", err)
	}
}

// localConfig builds a file-URI config serving dir in place.
func localConfig(dir string) Config {
	return Config{
		URI:          "file://" + dir,
		DefaultLabel: "main",
	}
}

func testLogger() logr.Logger {
	return logr.Discard()
}
