package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/ia-eknorr/gitconfig-server/internal/encryption"
	"github.com/ia-eknorr/gitconfig-server/internal/environment"
	"github.com/ia-eknorr/gitconfig-server/internal/git"
	"github.com/ia-eknorr/gitconfig-server/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zapLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)

	cfg, err := server.LoadConfig(ctx)
	if err != nil {
		log.Error(err, "invalid configuration")
		os.Exit(1)
	}

	gitCfg := cfg.GitConfig()
	if err := gitCfg.Validate(); err != nil {
		log.Error(err, "invalid git configuration")
		os.Exit(1)
	}

	chain := encryption.NewKeyChain()
	if err := encryption.InstallFromConfig(chain, cfg.KeyConfig()); err != nil {
		log.Error(err, "installing encryption key")
		os.Exit(1)
	}

	repo := git.NewRepository(
		gitCfg,
		git.NewFactory(),
		environment.NewAssembler(cfg.Git.SearchPaths),
		environment.FileMaterializer{},
		log,
	)

	metrics := server.NewMetrics()
	ops := server.NewOpsServer(cfg.OpsAddr, metrics.Handler(), log)
	go ops.Start(ctx)

	if gitCfg.CloneOnStart {
		log.Info("cloning repository on start", "uri", git.Redact(gitCfg.URI))
		if err := repo.Bootstrap(ctx); err != nil {
			log.Error(err, "clone on start failed")
			os.Exit(1)
		}
	}
	ops.MarkReady()

	api := &server.Server{
		Addr:              cfg.Addr,
		Repo:              repo,
		Refresher:         repo,
		Locator:           encryption.ChainLocator{Chain: chain},
		Metrics:           metrics,
		MonitorHMACSecret: cfg.MonitorHMACSecret,
		Log:               log,
	}
	if err := api.Start(ctx); err != nil {
		log.Error(err, "server exited")
		os.Exit(1)
	}
}
