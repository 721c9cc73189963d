package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"codeask/internal/config"
	"codeask/internal/mirror"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local mirror with the remote repository",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Repo.URL == "" {
		return &config.ConfigError{Field: "repo.url", Message: "repository URL is required"}
	}

	logger := newLogger(cfg)
	m := mirror.New(mirror.Config{
		RemoteURL:    cfg.Repo.URL,
		Branch:       cfg.Repo.Branch,
		LocalPath:    cfg.Repo.CloneDir,
		Token:        cfg.Repo.Token,
		FetchTimeout: cfg.Repo.FetchTimeout(),
	}, logger)

	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		return err
	}
	if err := m.Sync(ctx); err != nil {
		return err
	}

	state := m.State()
	fmt.Printf("synced %s to %s\n", cfg.Repo.Branch, state.HeadCommit)
	return nil
}
