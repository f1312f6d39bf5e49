package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

const originRemote = "origin"

// corruptIndexSignature is what go-git reports when the on-disk index file
// is truncated, typically after a crashed process.
const corruptIndexSignature = "Short read of block."

// FetchResult summarises one fetch: the remote-tracking refs that the fetch
// pruned because their upstream branch no longer exists.
type FetchResult struct {
	PrunedRefs []string
}

// Synchronizer decides when to pull and runs fetch, merge, and reset-hard
// against the working copy. It owns the last-refresh stamp backing the pull
// debounce. All methods except ForceNextPull must be called under the
// repository mutex.
type Synchronizer struct {
	cfg      Config
	creds    *Credentials
	branches *BranchManager
	log      logr.Logger

	// lastRefresh is stamped before the fetch call, so a failed fetch still
	// consumes the refresh window.
	lastRefresh time.Time
	forceNext   atomic.Bool

	now func() time.Time
}

// NewSynchronizer creates a Synchronizer for the given config.
func NewSynchronizer(cfg Config, creds *Credentials, branches *BranchManager, log logr.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:      cfg,
		creds:    creds,
		branches: branches,
		log:      log.WithName("sync"),
		now:      time.Now,
	}
}

// ForceNextPull arms a one-shot bypass of the refresh-rate debounce. Safe to
// call from any goroutine; the latch is consumed by the next ShouldPull.
func (s *Synchronizer) ForceNextPull() {
	s.forceNext.Store(true)
}

// ShouldPull reports whether the next request should fetch from origin.
func (s *Synchronizer) ShouldPull(repo *gogit.Repository) (bool, error) {
	forced := s.forceNext.Swap(false)

	if s.cfg.RefreshRateSeconds < 0 && !forced {
		return false, nil
	}
	if !forced && s.cfg.RefreshRateSeconds > 0 &&
		s.now().Sub(s.lastRefresh) < time.Duration(s.cfg.RefreshRateSeconds)*time.Second {
		return false, nil
	}

	status, err := s.status(repo)
	if err != nil {
		return false, err
	}

	clean := status.IsClean()
	hasOrigin := s.originURL(repo) != ""

	if s.cfg.ForcePull && !clean {
		s.logDirtyTree(repo, status)
		return true, nil
	}
	if !clean {
		s.log.Info("cannot pull from remote: the working tree is dirty", "origin", Redact(s.originURL(repo)))
	}
	return clean && hasOrigin, nil
}

// status reads the worktree status, recovering from a corrupt index file
// when force-pull is enabled.
func (s *Synchronizer) status(repo *gogit.Repository) (gogit.Status, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil && strings.Contains(err.Error(), corruptIndexSignature) && s.cfg.ForcePull {
		s.log.Info("corrupt git index detected, rebuilding", "dir", s.cfg.WorkingDirectory())
		if rmErr := os.Remove(filepath.Join(s.cfg.WorkingDirectory(), ".git", "index")); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("removing corrupt index: %w", rmErr)
		}
		if head, headErr := repo.Head(); headErr == nil {
			_ = wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: head.Hash()})
		}
		status, err = wt.Status()
	}
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	return status, nil
}

// Fetch fetches origin with tags, pruning deleted remote refs when untracked
// branch deletion is configured. The refresh stamp is taken before the call
// so failed fetches still throttle. Transport errors are logged and yield a
// nil result; the request pipeline continues on local state because stale
// data beats a failed request.
func (s *Synchronizer) Fetch(ctx context.Context, repo *gogit.Repository, label string) *FetchResult {
	if s.cfg.RefreshRateSeconds > 0 {
		s.lastRefresh = s.now()
	}

	before := s.remoteTrackingRefs(repo)

	auth, err := s.creds.AuthMethod(ctx)
	if err != nil {
		s.log.Error(err, "resolving credentials for fetch", "origin", Redact(s.cfg.URI))
		return nil
	}

	fetchCtx, cancel := s.commandContext(ctx)
	defer cancel()

	err = repo.FetchContext(fetchCtx, &gogit.FetchOptions{
		RemoteName:      originRemote,
		Auth:            auth,
		Tags:            gogit.AllTags,
		Force:           true,
		Prune:           s.cfg.DeleteUntrackedBranches,
		InsecureSkipTLS: s.cfg.SkipSSLValidation,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		s.log.Error(err, "fetch failed, serving local state", "origin", Redact(s.cfg.URI), "label", label)
		return nil
	}

	after := s.remoteTrackingRefs(repo)
	var pruned []string
	for ref := range before {
		if _, ok := after[ref]; !ok {
			pruned = append(pruned, ref)
		}
	}
	sort.Strings(pruned)
	return &FetchResult{PrunedRefs: pruned}
}

// TryMerge fast-forwards the current branch onto origin/<label> and falls
// back to a hard reset when the tree is dirty or ahead of origin. Errors are
// logged and swallowed; a later checkout fails loudly if the tree is
// actually unusable.
func (s *Synchronizer) TryMerge(repo *gogit.Repository, label string) {
	if !s.branches.IsBranch(repo, label) {
		return
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(originRemote, label), true)
	if err != nil {
		s.log.V(1).Info("no remote-tracking ref to merge", "label", label)
		return
	}

	if err := repo.Merge(*remoteRef, gogit.MergeOptions{Strategy: gogit.FastForwardMerge}); err != nil {
		s.log.Info("merge was not successful", "label", label, "error", err.Error())
	} else if head, headErr := repo.Head(); headErr == nil && head.Hash() == remoteRef.Hash() {
		// The fast-forward moves the branch ref; make the worktree follow.
		if wt, wtErr := repo.Worktree(); wtErr == nil {
			_ = wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: head.Hash()})
		}
	}

	if !s.IsClean(repo, label) {
		s.resetHard(repo, label)
	}
}

// IsClean reports whether the working tree is clean and the local branch is
// not ahead of its remote-tracking ref. A missing tracking ref counts as not
// ahead; any error counts as not clean.
func (s *Synchronizer) IsClean(repo *gogit.Repository, label string) bool {
	wt, err := repo.Worktree()
	if err != nil {
		return false
	}
	status, err := wt.Status()
	if err != nil || !status.IsClean() {
		return false
	}

	localRef, err := repo.Reference(plumbing.NewBranchReferenceName(label), true)
	if err != nil {
		// Detached HEAD (tag or SHA label): worktree cleanliness is all there is.
		return true
	}
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(originRemote, label), true)
	if err != nil {
		return true
	}
	if localRef.Hash() == remoteRef.Hash() {
		return true
	}

	localCommit, err := object.GetCommit(repo.Storer, localRef.Hash())
	if err != nil {
		return false
	}
	remoteCommit, err := object.GetCommit(repo.Storer, remoteRef.Hash())
	if err != nil {
		return false
	}
	// Strictly behind origin is fine (the merge fast-forwards); anything
	// else means local-only commits that a reset must discard.
	behind, err := localCommit.IsAncestor(remoteCommit)
	if err != nil {
		return false
	}
	return behind
}

// resetHard resets the working tree to origin/<label>. Errors are logged and
// swallowed.
func (s *Synchronizer) resetHard(repo *gogit.Repository, label string) {
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(originRemote, label), true)
	if err != nil {
		s.log.Error(err, "cannot resolve reset target", "label", label)
		return
	}
	wt, err := repo.Worktree()
	if err != nil {
		s.log.Error(err, "getting worktree for reset")
		return
	}
	if err := wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: remoteRef.Hash()}); err != nil {
		s.log.Error(err, "hard reset failed", "label", label)
		return
	}
	s.log.Info("reset hard", "label", label, "commit", remoteRef.Hash().String())
}

// remoteTrackingRefs snapshots refs/remotes/origin/* as name -> hash.
func (s *Synchronizer) remoteTrackingRefs(repo *gogit.Repository) map[string]plumbing.Hash {
	out := map[string]plumbing.Hash{}
	iter, err := repo.References()
	if err != nil {
		return out
	}
	defer iter.Close()
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		if strings.HasPrefix(ref.Name().String(), "refs/remotes/origin/") {
			out[ref.Name().String()] = ref.Hash()
		}
		return nil
	})
	return out
}

// originURL returns the first URL of the origin remote, or "".
func (s *Synchronizer) originURL(repo *gogit.Repository) string {
	remote, err := repo.Remote(originRemote)
	if err != nil {
		return ""
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// logDirtyTree names every path that keeps the tree dirty before a forced
// pull discards them.
func (s *Synchronizer) logDirtyTree(repo *gogit.Repository, status gogit.Status) {
	var paths []string
	for path, st := range status {
		if st.Worktree != gogit.Unmodified || st.Staging != gogit.Unmodified {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	s.log.Info("forced pull will discard local changes", "origin", Redact(s.originURL(repo)), "paths", paths)
}

// commandContext bounds a transport command with the configured timeout.
func (s *Synchronizer) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.TimeoutSeconds > 0 {
		return context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
	}
	return context.WithCancel(ctx)
}

// isAuthOrNotFound classifies transport errors that mean the remote itself
// is unusable rather than a single ref being absent.
func isAuthOrNotFound(err error) bool {
	return errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed)
}
