package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	gogit "github.com/go-git/go-git/v5"
)

// Cloner owns first-touch bring-up of the local working copy: wiping the
// base directory, cloning the remote, and opening local file-URI remotes in
// place. Callers serialise access through the repository mutex.
type Cloner struct {
	cfg      Config
	factory  Factory
	creds    *Credentials
	branches *BranchManager
	log      logr.Logger
}

// NewCloner creates a Cloner for the given config.
func NewCloner(cfg Config, factory Factory, creds *Credentials, branches *BranchManager, log logr.Logger) *Cloner {
	return &Cloner{
		cfg:      cfg,
		factory:  factory,
		creds:    creds,
		branches: branches,
		log:      log.WithName("cloner"),
	}
}

// InitClonedRepository performs the clone-on-start bring-up: wipe the base
// directory, clone the remote, re-open the clone from disk, and check out
// the default label when it differs from the remote HEAD. Not used for file
// URIs, whose remote is read in place.
func (c *Cloner) InitClonedRepository(ctx context.Context) error {
	if c.cfg.IsLocal() {
		return nil
	}

	if err := deleteBaseDirContents(c.cfg.Basedir); err != nil {
		return fmt.Errorf("cleaning basedir %s: %w", c.cfg.Basedir, err)
	}

	c.log.Info("cloning on start", "uri", Redact(c.cfg.URI), "basedir", c.cfg.Basedir)
	if _, err := c.clone(ctx); err != nil {
		return err
	}

	// Re-open from disk so bring-up exercises the same path requests use.
	repo, err := c.factory.Open(c.cfg.Basedir)
	if err != nil {
		return fmt.Errorf("re-opening cloned repository: %w", err)
	}

	if c.cfg.DefaultLabel != "" && !strings.EqualFold(c.cfg.DefaultLabel, headBranchName(repo)) {
		if _, err := c.branches.CheckoutDefault(repo); err != nil {
			return fmt.Errorf("checking out default label %s: %w", c.cfg.DefaultLabel, err)
		}
	}
	return nil
}

// CopyRepository brings up the working copy on demand: wipe and recreate the
// base directory, then clone. For file URIs the remote working tree is
// opened in place without copying. A failed clone deletes the partial basedir
// so the next request starts clean.
func (c *Cloner) CopyRepository(ctx context.Context) (*gogit.Repository, error) {
	if local := LocalPath(c.cfg.URI); local != "" {
		if fi, err := os.Stat(filepath.Join(local, ".git")); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("local uri %s does not point at a git working tree", c.cfg.URI)
		}
		return c.factory.Open(local)
	}

	if err := deleteBaseDirContents(c.cfg.Basedir); err != nil {
		return nil, fmt.Errorf("cleaning basedir %s: %w", c.cfg.Basedir, err)
	}
	if err := os.MkdirAll(c.cfg.Basedir, 0o755); err != nil {
		return nil, fmt.Errorf("creating basedir %s: %w", c.cfg.Basedir, err)
	}

	repo, err := c.clone(ctx)
	if err != nil {
		_ = os.RemoveAll(c.cfg.Basedir)
		return nil, err
	}
	return repo, nil
}

func (c *Cloner) clone(ctx context.Context) (*gogit.Repository, error) {
	auth, err := c.creds.AuthMethod(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}

	opts := &gogit.CloneOptions{
		URL:             c.cfg.URI,
		Auth:            auth,
		RemoteName:      originRemote,
		Tags:            gogit.AllTags,
		InsecureSkipTLS: c.cfg.SkipSSLValidation,
	}
	if c.cfg.CloneSubmodules {
		opts.RecurseSubmodules = gogit.DefaultSubmoduleRecursionDepth
	}

	cloneCtx := ctx
	if c.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	repo, err := c.factory.Clone(cloneCtx, c.cfg.Basedir, opts)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", Redact(c.cfg.URI), err)
	}
	return repo, nil
}

// headBranchName returns the short branch name HEAD points at, or "".
func headBranchName(repo *gogit.Repository) string {
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}

// deleteBaseDirContents removes every entry beneath dir, entry by entry, so
// a mount point used as basedir survives. A failure is fatal to bring-up:
// the basedir is poisoned.
func deleteBaseDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
