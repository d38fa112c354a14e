package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lumenlabs/streamwatch/internal/core/config"
	"github.com/lumenlabs/streamwatch/internal/infra/storage/postgres"
)

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint [stream_id] [position]",
	Short: "Force a stream's checkpoint to a given ledger position",
	Long: `Force a stream's checkpoint to a given ledger position.

Unlike the running pipeline this bypasses the monotonic guard, so it can
rewind a stream to replay a range. Stop the service first or the running
instance will keep advancing the checkpoint.`,
	Args: cobra.ExactArgs(2),
	Run:  runResetCheckpoint,
}

func init() {
	rootCmd.AddCommand(resetCheckpointCmd)
}

func runResetCheckpoint(cmd *cobra.Command, args []string) {
	streamID := args[0]
	position, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid position: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	// Operator override; no position guard here.
	query := `
		INSERT INTO checkpoints (stream_id, position, last_event_id, updated_at)
		VALUES ($1, $2, '', now())
		ON CONFLICT (stream_id) DO UPDATE SET
			position = EXCLUDED.position,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at`
	if _, err := db.ExecContext(ctx, query, streamID, int64(position)); err != nil {
		slog.Error("Failed to reset checkpoint", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Reset checkpoint for %s to position %d\n", streamID, position)
}
