package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vectord/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter config file to ~/.config/vectord/config.yaml.

The file is created with 0600 permissions. An existing file is never
overwritten.`,
	RunE: runInit,
}

const starterConfig = `# vectord configuration.
# Values here are overridden by environment variables, e.g.
# VECTORSTORE_PROVIDER, DATABASE_DSN, EMBEDDINGS_API_KEY.

server:
  metrics_port: 9201

vectorstore:
  # One of: pgvector, qdrant, chromem
  provider: chromem

database:
  # Postgres for training jobs and team budgets. Required by serve.
  dsn: ""

cache:
  # One of: memory, redis
  provider: memory

embeddings:
  # One of: openai, tei
  provider: openai
  model: text-embedding-3-small
  api_key: ""

nats:
  enabled: false

worker:
  concurrency: 10
`

func runInit(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "vectord", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	return nil
}
