package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/pkg/core"
)

var (
	dbPath      string
	scopeName   string
	projectRoot string
	dimensions  int
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "lorekeep",
	Short: "CLI tool for managing SQLite knowledge stores",
	Long:  `A command-line interface for adding, searching, and maintaining entries in scoped SQLite knowledge databases.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a knowledge database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		mode := "keyword-only"
		if store.VectorEnabled() {
			mode = fmt.Sprintf("vector (%d dimensions)", dimensions)
		}
		fmt.Printf("Knowledge database initialized at %s (%s)\n", store.Path(), mode)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add an entry, deduplicating against existing content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entryType, _ := cmd.Flags().GetString("type")
		ttl, _ := cmd.Flags().GetString("ttl")
		vectorStr, _ := cmd.Flags().GetString("vector")
		metaStr, _ := cmd.Flags().GetString("metadata")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		var metadata map[string]any
		if metaStr != "" {
			if err := json.Unmarshal([]byte(metaStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		entry := &core.Entry{
			Content:   args[0],
			Type:      entryType,
			TTL:       core.TTLCategory(ttl),
			Metadata:  metadata,
			Embedding: vector,
		}

		res, err := store.InsertDedup(context.Background(), entry)
		if err != nil {
			return fmt.Errorf("failed to add entry: %w", err)
		}

		switch res.Action {
		case core.DedupCreated:
			fmt.Printf("Entry %d created\n", res.ID)
		case core.DedupSkipped:
			fmt.Printf("Entry %d already covers this content (%s match, similarity %.2f)\n", res.ID, res.Stage, res.Similarity)
		case core.DedupEvolved:
			fmt.Printf("Entry %d evolved with new information (similarity %.2f)\n", res.ID, res.Similarity)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search entries with keyword and optional vector ranking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		typeFilter, _ := cmd.Flags().GetStringSlice("types")
		projectSlug, _ := cmd.Flags().GetString("project-slug")
		vectorStr, _ := cmd.Flags().GetString("vector")
		outputJSON, _ := cmd.Flags().GetBool("json")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		results, info, err := store.Search(ctx, args[0], vector, core.SearchOptions{
			TopK:      topK,
			Types:     typeFilter,
			Project:   projectSlug,
			Threshold: threshold,
		})
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		ids := make([]int64, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.Entry.ID)
		}
		if err := store.TrackAccessBatch(ctx, ids); err != nil {
			return fmt.Errorf("failed to record access: %w", err)
		}

		if outputJSON {
			data, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if info.KeywordDegraded {
			fmt.Println("warning: keyword search unavailable, results are vector-only")
		}
		if info.VectorDegraded && vector != nil {
			fmt.Println("warning: vector search unavailable, results are keyword-only")
		}
		fmt.Printf("Found %d results\n", len(results))
		for i, r := range results {
			fmt.Printf("%d. [%d] (%s, score %.4f) %s\n", i+1, r.Entry.ID, r.Entry.Type, r.Score, firstLine(r.Entry.Content))
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get an entry by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry ID: %w", err)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		entry, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get entry: %w", err)
		}
		if err := store.TrackAccess(ctx, id); err != nil {
			return fmt.Errorf("failed to record access: %w", err)
		}

		outputJSON, _ := cmd.Flags().GetBool("json")
		if outputJSON {
			data, _ := json.MarshalIndent(entry, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		staleness, err := store.StalenessScore(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to compute staleness: %w", err)
		}

		fmt.Printf("ID: %d\n", entry.ID)
		fmt.Printf("Type: %s\n", entry.Type)
		fmt.Printf("TTL: %s\n", entry.TTL)
		fmt.Printf("Content: %s\n", entry.Content)
		fmt.Printf("Hash: %s\n", entry.ContentHash)
		fmt.Printf("Accesses: %d\n", entry.AccessCount)
		fmt.Printf("Staleness: %.3f\n", staleness)
		fmt.Printf("Created: %s\n", entry.CreatedAt)
		if entry.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", entry.ExpiresAt)
		}
		if len(entry.Metadata) > 0 {
			fmt.Printf("Metadata: %v\n", entry.Metadata)
		}
		return nil
	},
}

var typesCmd = &cobra.Command{
	Use:   "types <type>",
	Short: "List entries of a given type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		outputJSON, _ := cmd.Flags().GetBool("json")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		entries, err := store.GetByType(context.Background(), args[0], limit)
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}

		if outputJSON {
			data, _ := json.MarshalIndent(entries, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Found %d entries\n", len(entries))
		for _, e := range entries {
			fmt.Printf("[%d] (%s) %s\n", e.ID, e.TTL, firstLine(e.Content))
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		removed, ids, err := store.CleanupExpired(context.Background())
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		fmt.Printf("Removed %d expired entries\n", removed)
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose && len(ids) > 0 {
			fmt.Printf("IDs: %v\n", ids)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		stats, err := store.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		outputJSON, _ := cmd.Flags().GetBool("json")
		if outputJSON {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Path: %s\n", store.Path())
		fmt.Printf("Entries: %d\n", stats.Count)
		fmt.Printf("Expired (pending cleanup): %d\n", stats.Expired)
		fmt.Printf("Vectors: %d\n", stats.Vectors)
		fmt.Printf("Size: %d bytes\n", stats.SizeBytes)
		for typ, count := range stats.CountByType {
			fmt.Printf("  %s: %d\n", typ, count)
		}
		return nil
	},
}

// openStore resolves the target database from --db or --scope/--project
// and opens it with the shared CLI configuration.
func openStore() (*core.KnowledgeStore, error) {
	path := dbPath
	if path == "" {
		resolved, err := core.ResolvePath(core.Scope(scopeName), projectRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		path = resolved
	}

	config := core.DefaultConfig()
	config.Path = path
	config.VectorDim = dimensions
	config.Logger = core.NewStdLogger(core.ParseLevel(logLevel))

	store, err := core.Open(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database file path (overrides --scope)")
	rootCmd.PersistentFlags().StringVarP(&scopeName, "scope", "s", "global", "Scope (global/project)")
	rootCmd.PersistentFlags().StringVarP(&projectRoot, "project", "p", "", "Project root for project scope")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dimensions", "n", 0, "Vector dimensions (0 for keyword-only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug/info/warn/error)")

	addCmd.Flags().String("type", "", "Entry type (lesson/decision/summary/temp_note)")
	addCmd.Flags().String("ttl", "", "TTL category (permanent/long_term/short_term/ephemeral)")
	addCmd.Flags().String("vector", "", "Embedding values (comma-separated)")
	addCmd.Flags().String("metadata", "", "Metadata as JSON")

	searchCmd.Flags().Int("top-k", 10, "Number of results")
	searchCmd.Flags().Float64("threshold", 0.0, "Minimum final score")
	searchCmd.Flags().StringSlice("types", nil, "Restrict to entry types")
	searchCmd.Flags().String("project-slug", "", "Restrict to entries tagged with a project")
	searchCmd.Flags().String("vector", "", "Query embedding (comma-separated)")
	searchCmd.Flags().Bool("json", false, "Output as JSON")

	getCmd.Flags().Bool("json", false, "Output as JSON")

	typesCmd.Flags().Int("limit", 0, "Limit number of results")
	typesCmd.Flags().Bool("json", false, "Output as JSON")

	cleanupCmd.Flags().Bool("verbose", false, "Print removed entry IDs")

	statsCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(initCmd, addCmd, searchCmd, getCmd, typesCmd, cleanupCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
