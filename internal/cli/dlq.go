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
	redisclient "github.com/lumenlabs/streamwatch/internal/infra/redis"
)

var dlqLimit int64

var dlqCmd = &cobra.Command{
	Use:   "dlq [stream_id]",
	Short: "List dead-lettered batches for a stream",
	Args:  cobra.ExactArgs(1),
	Run:   runDLQ,
}

func init() {
	dlqCmd.Flags().Int64Var(&dlqLimit, "limit", 20, "maximum dead letters to show (0 for all)")
	rootCmd.AddCommand(dlqCmd)
}

func runDLQ(cmd *cobra.Command, args []string) {
	streamID := args[0]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		slog.Error("Redis is not configured, no dead-letter queue to inspect")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	letters, err := client.List(ctx, streamID, dlqLimit)
	if err != nil {
		slog.Error("Failed to list dead letters", "error", err)
		os.Exit(1)
	}
	total, err := client.Size(ctx, streamID)
	if err != nil {
		slog.Error("Failed to count dead letters", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BATCH\tITEMS\tATTEMPTS\tFAILED AT\tERROR")
	for _, dl := range letters {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			dl.BatchID, len(dl.Items), dl.Attempts, dl.FailedAt.Format(time.RFC3339), dl.Error)
	}
	_ = w.Flush()
	fmt.Printf("\nShowing %d of %d dead letters for %s\n", len(letters), total, streamID)
}
