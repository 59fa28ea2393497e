// Quiverd is a retrieval engine daemon toolkit: it embeds text, stores
// vectors and metadata side by side, and answers ranked similarity
// queries with structured filtering.
//
// Usage:
//
//	# Ingest items from a JSON-lines file
//	quiverd ingest items.jsonl
//
//	# Search the index
//	quiverd search "how do goroutines leak" -k 5 --tag go
//
//	# Sweep cross-store inconsistencies
//	quiverd reconcile --repair
//
// Configuration is loaded from quiverd.yaml (override with --config) plus
// QUIVERD_* environment variables.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quiverhq/quiverd/internal/config"
	"github.com/quiverhq/quiverd/internal/engine"
	"github.com/quiverhq/quiverd/internal/ingest"
	"github.com/quiverhq/quiverd/internal/logging"
	"github.com/quiverhq/quiverd/internal/metastore"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quiverd",
	Short: "Vector retrieval engine with metadata filtering",
	Long: `quiverd turns text into ranked, deduplicated, metadata-enriched
search results. Items are embedded, stored in a vector index alongside a
relational metadata store, and retrieved by semantic similarity with
structured filters and explicit re-ranking policies.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "quiverd.yaml", "config file path")
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads config, builds the logger, and wires the backends.
func setup(ctx context.Context) (*stack, *zap.Logger, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		logging.Sync(logger)
		return nil, nil, err
	}
	return st, logger, nil
}

var (
	searchK            int
	searchTags         []string
	searchVisibilities []string
	searchAfter        string
	searchBefore       string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index for semantically similar items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.Sync(logger)

		filter := metastore.Filter{
			Tags:         searchTags,
			Visibilities: searchVisibilities,
		}
		if searchAfter != "" {
			filter.After, err = time.Parse(time.RFC3339, searchAfter)
			if err != nil {
				return fmt.Errorf("parsing --after: %w", err)
			}
		}
		if searchBefore != "" {
			filter.Before, err = time.Parse(time.RFC3339, searchBefore)
			if err != nil {
				return fmt.Errorf("parsing --before: %w", err)
			}
		}

		resp, err := st.engine.Search(ctx, engine.Query{
			Text:   args[0],
			K:      searchK,
			Filter: filter,
		})
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "limit", "k", 10, "maximum number of results")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "require at least one of these tags")
	searchCmd.Flags().StringSliceVar(&searchVisibilities, "visibility", nil, "restrict to these visibility scopes")
	searchCmd.Flags().StringVar(&searchAfter, "after", "", "only items created at or after this RFC3339 time")
	searchCmd.Flags().StringVar(&searchBefore, "before", "", "only items created before this RFC3339 time")
}

// ingestRecord is one JSON-lines input row.
type ingestRecord struct {
	ID         string            `json:"id,omitempty"`
	Text       string            `json:"text"`
	Owner      string            `json:"owner,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
	Visibility string            `json:"visibility,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest JSON-lines items from a file or stdin",
	Long: `Ingest items into both stores. Input is one JSON object per line:

  {"text": "...", "owner": "alice", "tags": ["go"], "visibility": "public"}

Items without an id get a generated UUID; items without created_at get
the current time. Use - or no argument to read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.Sync(logger)

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening input: %w", err)
			}
			defer f.Close()
			in = f
		}

		items, err := readItems(in)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("no items to ingest")
		}

		ids, err := st.indexer.IndexBatch(ctx, items)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "ingested %d items\n", len(ids))
		return printJSON(cmd.OutOrStdout(), ids)
	},
}

func readItems(r io.Reader) ([]ingest.Item, error) {
	var items []ingest.Item
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec ingestRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", line, err)
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		items = append(items, ingest.Item{
			ID:   rec.ID,
			Text: rec.Text,
			Metadata: metastore.Metadata{
				Owner:      rec.Owner,
				Tags:       rec.Tags,
				CreatedAt:  createdAt,
				Visibility: rec.Visibility,
				Extra:      rec.Extra,
			},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return items, nil
}

var (
	listTags         []string
	listVisibilities []string
	listAfter        string
	listBefore       string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List item IDs matching a metadata filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.Sync(logger)

		filter := metastore.Filter{
			Tags:         listTags,
			Visibilities: listVisibilities,
		}
		if listAfter != "" {
			filter.After, err = time.Parse(time.RFC3339, listAfter)
			if err != nil {
				return fmt.Errorf("parsing --after: %w", err)
			}
		}
		if listBefore != "" {
			filter.Before, err = time.Parse(time.RFC3339, listBefore)
			if err != nil {
				return fmt.Errorf("parsing --before: %w", err)
			}
		}

		ids, err := st.meta.MatchIDs(ctx, filter)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ids)
	},
}

func init() {
	listCmd.Flags().StringSliceVar(&listTags, "tag", nil, "require at least one of these tags")
	listCmd.Flags().StringSliceVar(&listVisibilities, "visibility", nil, "restrict to these visibility scopes")
	listCmd.Flags().StringVar(&listAfter, "after", "", "only items created at or after this RFC3339 time")
	listCmd.Flags().StringVar(&listBefore, "before", "", "only items created before this RFC3339 time")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete items from both stores",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.Sync(logger)

		for _, id := range args {
			if err := st.indexer.DeleteItem(ctx, id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d items\n", len(args))
		return nil
	},
}

var reconcileRepair bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sweep metadata rows whose vector is missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.Sync(logger)

		report, err := st.indexer.Reconcile(ctx, reconcileRepair)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileRepair, "repair", false, "remove orphans instead of only reporting them")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "quiverd\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
