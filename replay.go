package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kpiengine/config"
	"kpiengine/models"
	"kpiengine/store"
)

const maxReplayLine = 1 << 20

type replayOptions struct {
	now       time.Time
	closeAt   time.Time
	batchSize int
}

func newReplayCommand() *cobra.Command {
	var (
		at      string
		closeAt string
		batch   int
	)
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Ingest a JSON-lines event file and print the resulting snapshots",
		Long: "Replay reads one raw event per line, submits them through the same " +
			"validation and aggregation path as the server, and writes every snapshot " +
			"as JSON lines to stdout. Use --now to replay historical files.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := replayOptions{now: time.Now().UTC(), batchSize: batch}
			if at != "" {
				if opts.now, err = cast.ToTimeE(at); err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
			}
			if closeAt != "" {
				if opts.closeAt, err = cast.ToTimeE(closeAt); err != nil {
					return fmt.Errorf("invalid --close-at: %w", err)
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			summary, err := replay(cmd.Context(), cfg, logger, f, cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "accepted=%d duplicates=%d rejected=%d lines_skipped=%d\n",
				summary.Accepted, summary.Duplicates, summary.rejected(), summary.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "now", "", "ingestion clock for the replay (RFC3339), defaults to the current time")
	cmd.Flags().StringVar(&closeAt, "close-at", "", "after ingesting, close every window due at this time (RFC3339)")
	cmd.Flags().IntVar(&batch, "batch", 500, "events per batch submission")
	return cmd
}

type replaySummary struct {
	models.IngestStats
	Skipped int
}

func (s replaySummary) rejected() int64 {
	var n int64
	for _, c := range s.Rejected {
		n += c
	}
	return n
}

// replay submits every event read from in and writes all stored snapshots
// to out, one JSON document per line.
func replay(ctx context.Context, cfg *config.Config, logger *zap.Logger, in io.Reader, out io.Writer, opts replayOptions) (replaySummary, error) {
	var summary replaySummary
	if opts.batchSize <= 0 {
		opts.batchSize = 500
	}
	current := opts.now
	clock := func() time.Time { return current }

	eng, err := buildEngine(ctx, cfg, engineDeps{logger: logger, clock: clock})
	if err != nil {
		return summary, err
	}
	defer eng.closeBackend()

	var (
		batch []models.RawEvent
		line  int
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for i, res := range eng.ingestor.SubmitBatch(ctx, batch) {
			if !res.Accepted() {
				logger.Warn("event rejected",
					zap.String("equipment_id", batch[i].EquipmentID),
					zap.String("reason", string(res.Reason)),
					zap.String("message", res.Message))
			}
		}
		batch = batch[:0]
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var raw models.RawEvent
		if err := json.Unmarshal(text, &raw); err != nil {
			logger.Warn("skipping malformed line", zap.Int("line", line), zap.Error(err))
			summary.Skipped++
			continue
		}
		batch = append(batch, raw)
		if len(batch) >= opts.batchSize {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read events: %w", err)
	}
	flush()

	// Ingestion has finished, so nothing else reads the clock concurrently.
	if !opts.closeAt.IsZero() {
		current = opts.closeAt
		if _, err := eng.aggregator.CloseDue(ctx); err != nil {
			return summary, err
		}
	}

	snaps, err := eng.store.Query(ctx, store.Filter{})
	if err != nil {
		return summary, err
	}
	enc := json.NewEncoder(out)
	for _, snap := range snaps {
		if err := enc.Encode(snap); err != nil {
			return summary, err
		}
	}

	summary.IngestStats = eng.ingestor.Stats()
	return summary, nil
}
