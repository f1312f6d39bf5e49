package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	gogit "github.com/go-git/go-git/v5"

	"github.com/ia-eknorr/gitconfig-server/internal/environment"
)

// Repository is the git-backed environment repository: it keeps the local
// working copy synchronised with the remote and resolves (application,
// profiles, label) triples to search locations on the requested revision.
//
// Every git-touching operation runs under a single mutex. The working tree
// is a mutable shared resource that cannot be safely mutated concurrently,
// and attempts at finer locking against it are not worth the risk.
type Repository struct {
	cfg          Config
	factory      Factory
	branches     *BranchManager
	synchronizer *Synchronizer
	cloner       *Cloner
	assembler    *environment.Assembler
	materializer environment.Materializer
	log          logr.Logger

	mu          sync.Mutex
	initialized bool
}

var _ environment.Repository = (*Repository)(nil)

// NewRepository wires the git backend together. The factory seam is
// injectable for tests; pass NewFactory() in production.
func NewRepository(cfg Config, factory Factory, assembler *environment.Assembler, materializer environment.Materializer, log logr.Logger) *Repository {
	log = log.WithName("git")
	creds := NewCredentials(cfg)
	branches := NewBranchManager(cfg, log)
	return &Repository{
		cfg:          cfg,
		factory:      factory,
		branches:     branches,
		synchronizer: NewSynchronizer(cfg, creds, branches, log),
		cloner:       NewCloner(cfg, factory, creds, branches, log),
		assembler:    assembler,
		materializer: materializer,
		log:          log,
	}
}

// Bootstrap runs the clone-on-start bring-up when configured. Safe to call
// concurrently with requests; it takes the repository mutex.
func (r *Repository) Bootstrap(ctx context.Context) error {
	if !r.cfg.CloneOnStart || r.cfg.IsLocal() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if err := r.cloner.InitClonedRepository(ctx); err != nil {
		return err
	}
	r.initialized = true
	return nil
}

// ForceNextPull makes the next request bypass the refresh-rate debounce.
// Used by the push-notification receiver.
func (r *Repository) ForceNextPull() {
	r.synchronizer.ForceNextPull()
}

// FindOne resolves the triple and materialises the property sources found
// beneath the resolved search paths.
func (r *Repository) FindOne(ctx context.Context, application string, profiles []string, label string) (*environment.Environment, error) {
	locations, err := r.Locations(ctx, application, profiles, label)
	if err != nil {
		return nil, err
	}

	sources, err := r.materializer.Materialize(locations.SearchPaths, application, profiles)
	if err != nil {
		return nil, &environment.LoadError{Cause: err}
	}

	return &environment.Environment{
		Name:            application,
		Profiles:        profiles,
		Label:           locations.Label,
		Version:         locations.Version,
		PropertySources: sources,
	}, nil
}

// Locations brings the working copy to the requested revision and returns
// the resolved version plus filesystem search paths. Calls on the same
// repository are totally ordered.
func (r *Repository) Locations(ctx context.Context, application string, profiles []string, label string) (*environment.Locations, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if label == "" {
		label = r.cfg.DefaultLabel
	}

	version, err := r.refresh(ctx, label)
	if err != nil && label == r.cfg.DefaultLabel && label == "main" && r.cfg.TryMasterFallback {
		r.log.Info("default label failed, retrying with master", "error", err.Error())
		if version, err = r.refresh(ctx, "master"); err == nil {
			label = "master"
		}
	}
	if err != nil {
		return nil, r.mapError(err, label)
	}

	return &environment.Locations{
		Application: application,
		Profile:     strings.Join(profiles, ","),
		Label:       label,
		Version:     version,
		SearchPaths: r.assembler.SearchLocations(r.cfg.WorkingDirectory(), application, profiles, label),
	}, nil
}

// refresh synchronises the working copy and returns the SHA of HEAD. Caller
// holds the mutex.
func (r *Repository) refresh(ctx context.Context, label string) (string, error) {
	workingDir := r.cfg.WorkingDirectory()

	// A leftover index.lock is crash debris from a prior process; the mutex
	// already excludes live writers from this one.
	staleLock := filepath.Join(workingDir, ".git", "index.lock")
	if err := os.Remove(staleLock); err == nil {
		r.log.Info("removed stale git lock file", "path", staleLock)
	}

	repo, err := r.openOrCreate(ctx, workingDir)
	if err != nil {
		return "", err
	}

	shouldPull, err := r.synchronizer.ShouldPull(repo)
	if err != nil {
		return "", err
	}
	if shouldPull {
		result := r.synchronizer.Fetch(ctx, repo, label)
		if r.cfg.DeleteUntrackedBranches && result != nil {
			r.branches.DeleteUntrackedLocalBranches(repo, result.PrunedRefs)
		}
	}

	if err := r.branches.Checkout(repo, label); err != nil {
		return "", err
	}

	r.synchronizer.TryMerge(repo, label)

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.ToLower(head.Hash().String()), nil
}

// openOrCreate opens the existing working copy or brings one up on demand.
// The origin remote of an existing copy must match the configured URI; a
// redirected basedir is wiped and re-cloned rather than served.
func (r *Repository) openOrCreate(ctx context.Context, workingDir string) (*gogit.Repository, error) {
	if fi, err := os.Stat(filepath.Join(workingDir, ".git")); err == nil && fi.IsDir() {
		repo, err := r.factory.Open(workingDir)
		if err == nil && r.originMatches(repo) {
			r.initialized = true
			return repo, nil
		}
		if err != nil {
			r.log.Error(err, "working copy is unusable, re-creating", "dir", workingDir)
		} else {
			r.log.Info("working copy origin does not match configured uri, re-creating", "dir", workingDir)
		}
	}

	repo, err := r.cloner.CopyRepository(ctx)
	if err != nil {
		return nil, err
	}
	r.initialized = true
	return repo, nil
}

// originMatches verifies the invariant that the working copy's origin
// remote equals the configured URI. Local file URIs are exempt: the remote
// is the working tree itself.
func (r *Repository) originMatches(repo *gogit.Repository) bool {
	if r.cfg.IsLocal() {
		return true
	}
	remote, err := repo.Remote(originRemote)
	if err != nil {
		return false
	}
	for _, u := range remote.Config().URLs {
		if u == r.cfg.URI {
			return true
		}
	}
	return false
}

// mapError translates git-level failures into the domain error taxonomy.
func (r *Repository) mapError(err error, label string) error {
	switch {
	case errors.Is(err, ErrLabelNotFound):
		return &environment.NoSuchLabelError{Label: label}
	case errors.Is(err, gogit.ErrRepositoryNotExists), isAuthOrNotFound(err):
		return &environment.NoSuchRepositoryError{URI: Redact(r.cfg.URI), Cause: err}
	case strings.Contains(err.Error(), "cloning "):
		return &environment.NoSuchRepositoryError{URI: Redact(r.cfg.URI), Cause: err}
	default:
		return &environment.LoadError{Cause: err}
	}
}
