package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumenlabs/streamwatch/internal/core/config"
	"github.com/lumenlabs/streamwatch/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the durable checkpoint of every stream",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	checkpoints, err := postgres.NewCheckpointRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list checkpoints", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STREAM\tPOSITION\tLAST EVENT\tUPDATED")
	for _, cp := range checkpoints {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			cp.StreamID, cp.Position, cp.LastEventID, cp.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
