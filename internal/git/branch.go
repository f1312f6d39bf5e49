package git

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrLabelNotFound distinguishes "no such branch/tag/commit" from transport
// and filesystem failures. The repository surfaces it as the domain
// no-such-label condition.
var ErrLabelNotFound = errors.New("label not found")

// BranchManager owns branch, tag, and commit-id resolution against an open
// repository handle: list, checkout, track-remote, delete-untracked, and
// default-label checkout with fallback.
type BranchManager struct {
	cfg Config
	log logr.Logger
}

// NewBranchManager creates a BranchManager for the given config.
func NewBranchManager(cfg Config, log logr.Logger) *BranchManager {
	return &BranchManager{cfg: cfg, log: log.WithName("branch")}
}

// IsBranch reports whether label names a local or remote-tracking branch.
func (b *BranchManager) IsBranch(repo *gogit.Repository, label string) bool {
	if b.IsLocalBranch(repo, label) {
		return true
	}
	_, err := repo.Reference(plumbing.NewRemoteReferenceName(originRemote, label), true)
	return err == nil
}

// IsLocalBranch reports whether refs/heads/<label> exists.
func (b *BranchManager) IsLocalBranch(repo *gogit.Repository, label string) bool {
	_, err := repo.Reference(plumbing.NewBranchReferenceName(label), true)
	return err == nil
}

// Checkout brings the working tree to label. Remote-only branches get a
// local tracking branch first; anything else (local branch, tag, commit SHA)
// is checked out by name.
func (b *BranchManager) Checkout(repo *gogit.Repository, label string) error {
	if b.IsBranch(repo, label) && !b.IsLocalBranch(repo, label) {
		return b.trackBranch(repo, label)
	}
	return b.checkoutByName(repo, label)
}

// CheckoutDefault checks out the default label, retrying with "master" when
// the default is "main", the fallback is enabled, and the first attempt
// failed. Returns the label actually checked out.
func (b *BranchManager) CheckoutDefault(repo *gogit.Repository) (string, error) {
	err := b.Checkout(repo, b.cfg.DefaultLabel)
	if err == nil {
		return b.cfg.DefaultLabel, nil
	}
	if b.cfg.TryMasterFallback && b.cfg.DefaultLabel == "main" {
		b.log.Info("default label not found, falling back", "from", "main", "to", "master")
		if retryErr := b.Checkout(repo, "master"); retryErr == nil {
			return "master", nil
		}
	}
	return "", err
}

// DeleteUntrackedLocalBranches removes local branches whose remote-tracking
// refs were pruned by a fetch. prunedRefs holds full remote-tracking ref
// names (refs/remotes/origin/<branch>). The current branch cannot be
// deleted, so the default label is checked out first. Errors are logged and
// swallowed; the returned slice holds the branches actually deleted.
func (b *BranchManager) DeleteUntrackedLocalBranches(repo *gogit.Repository, prunedRefs []string) []string {
	var branches []string
	for _, ref := range prunedRefs {
		if short, ok := strings.CutPrefix(ref, "refs/remotes/origin/"); ok && short != "" {
			branches = append(branches, short)
		}
	}
	if len(branches) == 0 {
		return nil
	}

	if _, err := b.CheckoutDefault(repo); err != nil {
		b.log.Error(err, "cannot check out default label before branch deletion", "branches", branches)
		return nil
	}

	var deleted []string
	for _, branch := range branches {
		name := plumbing.NewBranchReferenceName(branch)
		if _, err := repo.Reference(name, false); err != nil {
			continue
		}
		if err := repo.Storer.RemoveReference(name); err != nil {
			b.log.Error(err, "deleting local branch", "branch", branch)
			continue
		}
		// Branch config is best-effort cleanup; the ref removal is what counts.
		_ = repo.DeleteBranch(branch)
		deleted = append(deleted, branch)
	}
	if len(deleted) > 0 {
		b.log.Info("deleted untracked local branches", "branches", deleted)
	}
	return deleted
}

// trackBranch creates refs/heads/<label> at the remote-tracking head, marks
// it as tracking origin, and checks it out.
func (b *BranchManager) trackBranch(repo *gogit.Repository, label string) error {
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(originRemote, label), true)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLabelNotFound, label)
	}

	localName := plumbing.NewBranchReferenceName(label)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(localName, remoteRef.Hash())); err != nil {
		return fmt.Errorf("creating local branch %s: %w", label, err)
	}
	err = repo.CreateBranch(&gitconfig.Branch{
		Name:   label,
		Remote: originRemote,
		Merge:  localName,
	})
	if err != nil && !errors.Is(err, gogit.ErrBranchExists) {
		return fmt.Errorf("configuring tracking branch %s: %w", label, err)
	}

	return b.checkoutBranchRef(repo, localName)
}

// checkoutByName checks out a local branch, tag, or commit SHA.
func (b *BranchManager) checkoutByName(repo *gogit.Repository, label string) error {
	if b.IsLocalBranch(repo, label) {
		return b.checkoutBranchRef(repo, plumbing.NewBranchReferenceName(label))
	}

	hash, err := b.resolveDetached(repo, label)
	if err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: b.cfg.ForcePull}); err != nil {
		return fmt.Errorf("checkout %s: %w", label, err)
	}
	return nil
}

func (b *BranchManager) checkoutBranchRef(repo *gogit.Repository, name plumbing.ReferenceName) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: name, Force: b.cfg.ForcePull}); err != nil {
		return fmt.Errorf("checkout %s: %w", name.Short(), err)
	}
	return nil
}

// resolveDetached resolves label as a tag, then a commit SHA. Branches are
// handled by the callers.
func (b *BranchManager) resolveDetached(repo *gogit.Repository, label string) (plumbing.Hash, error) {
	if resolved, err := repo.ResolveRevision(plumbing.Revision("refs/tags/" + label)); err == nil {
		return *resolved, nil
	}
	if plumbing.IsHash(label) {
		if _, err := repo.CommitObject(plumbing.NewHash(label)); err == nil {
			return plumbing.NewHash(label), nil
		}
	}
	if resolved, err := repo.ResolveRevision(plumbing.Revision(label)); err == nil {
		return *resolved, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrLabelNotFound, label)
}
