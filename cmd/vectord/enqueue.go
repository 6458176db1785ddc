package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vectord/internal/config"
	"github.com/fyrsmithlabs/vectord/internal/training"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [file]",
	Short: "Enqueue a training job from a JSON file or stdin",
	Long: `Enqueue a training job for the ingestion worker.

The job is read as JSON from the given file, or from stdin when the
argument is omitted or "-".

Example job:
  {
    "team_id": "team-1",
    "dataset_id": "ds-1",
    "collection_id": "col-1",
    "mode": "insert",
    "inputs": ["chunk one", "chunk two"],
    "model": "text-embedding-3-small"
  }`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnqueue,
}

// jobSpec is the JSON shape accepted by the enqueue command.
type jobSpec struct {
	TeamID       string   `json:"team_id"`
	DatasetID    string   `json:"dataset_id"`
	CollectionID string   `json:"collection_id"`
	TmbID        string   `json:"tmb_id"`
	BillingID    string   `json:"billing_id"`
	Mode         string   `json:"mode"`
	Inputs       []string `json:"inputs"`
	Model        string   `json:"model"`
	OldVectorIDs []string `json:"old_vector_ids"`
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
	}

	var js jobSpec
	if err := json.Unmarshal(content, &js); err != nil {
		return fmt.Errorf("parsing job: %w", err)
	}

	mode := training.Mode(js.Mode)
	if js.Mode == "" {
		mode = training.ModeInsert
	}
	job := &training.Job{
		TeamID:       js.TeamID,
		DatasetID:    js.DatasetID,
		CollectionID: js.CollectionID,
		TmbID:        js.TmbID,
		BillingID:    js.BillingID,
		Mode:         mode,
		Inputs:       js.Inputs,
		Model:        js.Model,
		OldVectorIDs: js.OldVectorIDs,
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Database.DSN.IsSet() {
		return fmt.Errorf("database.dsn is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := newPgxPool(ctx, cfg.Database.DSN.Value(), cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	jobs := training.NewPGStore(pool, training.PGStoreConfig{})
	if err := jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	pending, err := jobs.PendingCount(ctx)
	if err != nil {
		fmt.Printf("Enqueued job %s\n", job.ID)
		return nil
	}
	fmt.Printf("Enqueued job %s (%d pending)\n", job.ID, pending)
	return nil
}
