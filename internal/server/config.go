package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"

	"github.com/ia-eknorr/gitconfig-server/internal/encryption"
	"github.com/ia-eknorr/gitconfig-server/internal/git"
)

// Config holds the server runtime configuration loaded from env vars.
type Config struct {
	// Addr serves the configuration and encryption API.
	Addr string `env:"SERVER_ADDR, default=:8888"`

	// OpsAddr serves health probes and Prometheus metrics.
	OpsAddr string `env:"OPS_ADDR, default=:8081"`

	// MonitorHMACSecret guards POST /monitor. Empty disables signature
	// validation.
	MonitorHMACSecret string `env:"MONITOR_HMAC_SECRET"`

	Git     GitEnv     `env:", prefix=GIT_"`
	Encrypt EncryptEnv `env:", prefix=ENCRYPT_"`
}

// GitEnv mirrors the git backend configuration keys.
type GitEnv struct {
	URI                     string   `env:"URI"`
	Basedir                 string   `env:"BASEDIR"`
	DefaultLabel            string   `env:"DEFAULT_LABEL, default=main"`
	TryMasterFallback       bool     `env:"TRY_MASTER_FALLBACK"`
	Timeout                 int      `env:"TIMEOUT, default=5"`
	RefreshRate             int      `env:"REFRESH_RATE"`
	CloneOnStart            bool     `env:"CLONE_ON_START"`
	ForcePull               bool     `env:"FORCE_PULL"`
	DeleteUntrackedBranches bool     `env:"DELETE_UNTRACKED_BRANCHES"`
	SkipSSLValidation       bool     `env:"SKIP_SSL_VALIDATION"`
	CloneSubmodules         bool     `env:"CLONE_SUBMODULES"`
	Username                string   `env:"USERNAME"`
	Password                string   `env:"PASSWORD"`
	Passphrase              string   `env:"PASSPHRASE"`
	SSHKeyFile              string   `env:"SSH_KEY_FILE"`
	KnownHostsFile          string   `env:"KNOWN_HOSTS_FILE"`
	SearchPaths             []string `env:"SEARCH_PATHS"`

	GitHubAppID             int64  `env:"GITHUB_APP_ID"`
	GitHubAppInstallationID int64  `env:"GITHUB_APP_INSTALLATION_ID"`
	GitHubAppKeyFile        string `env:"GITHUB_APP_KEY_FILE"`
	GitHubAPIBaseURL        string `env:"GITHUB_API_BASE_URL"`
}

// EncryptEnv mirrors the encrypt.* configuration keys.
type EncryptEnv struct {
	Key              string `env:"KEY"`
	KeystoreLocation string `env:"KEYSTORE_LOCATION"`
	KeystorePassword string `env:"KEYSTORE_PASSWORD"`
	KeystoreAlias    string `env:"KEYSTORE_ALIAS"`
}

// LoadConfig reads configuration from the environment and applies defaults.
func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	if cfg.Git.URI == "" {
		return nil, fmt.Errorf("GIT_URI is required")
	}
	if cfg.Git.Basedir == "" {
		cfg.Git.Basedir = filepath.Join(os.TempDir(), "gitconfig-repo")
	}

	return &cfg, nil
}

// GitConfig converts the env view into the git backend config.
func (c *Config) GitConfig() git.Config {
	gc := git.Config{
		URI:                     c.Git.URI,
		Basedir:                 c.Git.Basedir,
		DefaultLabel:            c.Git.DefaultLabel,
		TryMasterFallback:       c.Git.TryMasterFallback,
		TimeoutSeconds:          c.Git.Timeout,
		RefreshRateSeconds:      c.Git.RefreshRate,
		CloneOnStart:            c.Git.CloneOnStart,
		ForcePull:               c.Git.ForcePull,
		DeleteUntrackedBranches: c.Git.DeleteUntrackedBranches,
		SkipSSLValidation:       c.Git.SkipSSLValidation,
		CloneSubmodules:         c.Git.CloneSubmodules,
		Username:                c.Git.Username,
		Password:                c.Git.Password,
		Passphrase:              c.Git.Passphrase,
		SSHKeyFile:              c.Git.SSHKeyFile,
		KnownHostsFile:          c.Git.KnownHostsFile,
	}
	if c.Git.GitHubAppID != 0 {
		gc.GitHubApp = &git.GitHubAppConfig{
			AppID:          c.Git.GitHubAppID,
			InstallationID: c.Git.GitHubAppInstallationID,
			PrivateKeyFile: c.Git.GitHubAppKeyFile,
			APIBaseURL:     c.Git.GitHubAPIBaseURL,
		}
	}
	return gc
}

// KeyConfig converts the env view into the encryption key config.
func (c *Config) KeyConfig() encryption.KeyConfig {
	return encryption.KeyConfig{
		Key:              c.Encrypt.Key,
		KeystoreLocation: c.Encrypt.KeystoreLocation,
		KeystorePassword: c.Encrypt.KeystorePassword,
		KeystoreAlias:    c.Encrypt.KeystoreAlias,
	}
}
