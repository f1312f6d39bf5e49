package git

import (
	"fmt"
	"strings"
)

// Config describes one git-backed environment repository. It is constructed
// once at startup and shared read-only between components.
type Config struct {
	// URI of the remote. Supported schemes: http, https, ssh (including
	// scp-style git@host:path), and file. For file URIs the remote working
	// tree is read in place and Basedir is unused.
	URI string

	// Basedir is the directory holding the local working copy.
	Basedir string

	// DefaultLabel is checked out when a request names no label.
	DefaultLabel string

	// TryMasterFallback retries with "master" when DefaultLabel is "main"
	// and the remote has no such branch.
	TryMasterFallback bool

	// TimeoutSeconds bounds each transport command (clone, fetch). Zero
	// means no timeout.
	TimeoutSeconds int

	// RefreshRateSeconds controls the pull debounce: <0 never pulls after
	// bring-up, 0 pulls on every request, >0 pulls at most once per window.
	RefreshRateSeconds int

	CloneOnStart            bool
	ForcePull               bool
	DeleteUntrackedBranches bool
	SkipSSLValidation       bool
	CloneSubmodules         bool

	// Explicit credentials. When set they win over userinfo embedded in URI.
	Username string
	Password string

	// SSH key material for ssh URIs.
	SSHKeyFile     string
	Passphrase     string
	KnownHostsFile string

	// GitHub App installation credentials, exchanged for a token per fetch.
	GitHubApp *GitHubAppConfig
}

// GitHubAppConfig identifies a GitHub App installation used for HTTPS auth.
type GitHubAppConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyFile string
	APIBaseURL     string
}

// Validate checks the parts of the config that cannot be defaulted.
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("git uri is required")
	}
	if !c.IsLocal() && c.Basedir == "" {
		return fmt.Errorf("git basedir is required for remote uri %s", c.URI)
	}
	if c.DefaultLabel == "" {
		return fmt.Errorf("git default label is required")
	}
	return nil
}

// IsLocal reports whether the URI points at a local working tree.
func (c Config) IsLocal() bool {
	return LocalPath(c.URI) != ""
}

// WorkingDirectory is where the served working tree lives: the remote path
// itself for file URIs, Basedir otherwise.
func (c Config) WorkingDirectory() string {
	if p := LocalPath(c.URI); p != "" {
		return p
	}
	return c.Basedir
}

// LocalPath extracts the filesystem path from a file URI. Returns "" for
// non-file URIs.
func LocalPath(uri string) string {
	if !strings.HasPrefix(uri, "file:") {
		return ""
	}
	p := strings.TrimPrefix(uri, "file://")
	if p == uri {
		p = strings.TrimPrefix(uri, "file:")
	}
	return p
}
