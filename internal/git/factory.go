package git

import (
	"context"

	gogit "github.com/go-git/go-git/v5"
)

// Factory is the seam over go-git's repository constructors so tests can
// substitute fixtures. It carries no state.
type Factory interface {
	// Open opens an existing repository. Fails if dir is not a repository.
	Open(dir string) (*gogit.Repository, error)

	// Clone clones a remote into dir with the given options.
	Clone(ctx context.Context, dir string, opts *gogit.CloneOptions) (*gogit.Repository, error)
}

type goGitFactory struct{}

// NewFactory returns the production go-git backed Factory.
func NewFactory() Factory {
	return goGitFactory{}
}

func (goGitFactory) Open(dir string) (*gogit.Repository, error) {
	return gogit.PlainOpen(dir)
}

func (goGitFactory) Clone(ctx context.Context, dir string, opts *gogit.CloneOptions) (*gogit.Repository, error) {
	return gogit.PlainCloneContext(ctx, dir, false, opts)
}
