package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/recall/pkg/config"
	"github.com/dotsetgreg/recall/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	var configPath string

	root := &cobra.Command{
		Use:   "recall",
		Short: "Hybrid memory retrieval and ranking engine",
		Long: strings.TrimSpace(`recall stores memory chunks with embeddings and answers queries with a
deterministic, explainable ranking that blends semantic similarity, recency,
confidence, priority, usage and dimension alignment.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config file")

	root.AddCommand(newQueryCommand(&configPath))
	root.AddCommand(newPutCommand(&configPath))
	root.AddCommand(newRmCommand(&configPath))
	root.AddCommand(newPinCommand(&configPath))
	root.AddCommand(newUnpinCommand(&configPath))
	root.AddCommand(newProfilesCommand(&configPath))
	root.AddCommand(newStatsCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall.json"
	}
	return filepath.Join(home, ".recall", "config.json")
}

func openService(configPath string) (*memory.Service, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	svcCfg := cfg.ServiceConfig()
	svcCfg.Logger = newLogger(cfg.LogLevel)
	svc, err := memory.NewService(svcCfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: appName})
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

func newQueryCommand(configPath *string) *cobra.Command {
	var (
		profile     string
		topN        int
		dims        []string
		citations   bool
		interactive bool
		subject     string
		caps        []string
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a ranked retrieval query",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			filter, err := parseDimensionFlags(dims)
			if err != nil {
				return err
			}
			opts := memory.RetrieveOptions{
				Profile:         profile,
				TopN:            topN,
				DimensionFilter: filter,
				WithCitations:   citations,
				Auth:            memory.AuthContext{SubjectID: subject, Capabilities: caps},
			}

			if interactive {
				return interactiveQueryLoop(svc, opts)
			}
			if len(args) == 0 {
				return fmt.Errorf("query text is required (or use --interactive)")
			}
			return runQuery(cmd.Context(), svc, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", memory.DefaultProfileName, "Ranking profile name")
	cmd.Flags().IntVarP(&topN, "top-n", "n", 8, "Number of results to return")
	cmd.Flags().StringArrayVar(&dims, "dim", nil, "Dimension filter as name=weight (repeatable)")
	cmd.Flags().BoolVar(&citations, "citations", false, "Attach quoted citations to results")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Interactive query mode")
	cmd.Flags().StringVar(&subject, "subject", "", "Auth subject id for gate checks")
	cmd.Flags().StringArrayVar(&caps, "capability", nil, "Auth capability (repeatable)")
	return cmd
}

func runQuery(ctx context.Context, svc *memory.Service, query string, opts memory.RetrieveOptions) error {
	results, err := svc.Retrieve(ctx, query, opts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for rank, res := range results {
		printResult(rank+1, res)
	}
	return nil
}

func printResult(rank int, res memory.RankedResult) {
	br := res.Breakdown
	fmt.Printf("%2d. [%.4f] %s (%s)\n", rank, res.FinalScore, res.Chunk.ID, res.Chunk.Type)
	fmt.Printf("    semantic=%.3f recency=%.3f confidence=%.3f priority=%.3f usage=%.3f dimension=%.3f\n",
		br.Semantic.Raw, br.Recency.Raw, br.Confidence.Raw, br.Priority.Raw, br.Usage.Raw, br.Dimension.Raw)
	if res.Citation != nil {
		marker := "quote"
		if res.Citation.FromSummary {
			marker = "summary"
		}
		fmt.Printf("    %s: %q", marker, res.Citation.Quote)
		if res.Citation.SectionTitle != "" {
			fmt.Printf(" [%s]", res.Citation.SectionTitle)
		}
		if res.Citation.PageNumber > 0 {
			fmt.Printf(" (p.%d)", res.Citation.PageNumber)
		}
		fmt.Println()
	} else {
		snippet := res.Chunk.Content
		if len(snippet) > 120 {
			snippet = snippet[:120] + "..."
		}
		fmt.Printf("    %s\n", strings.ReplaceAll(snippet, "\n", " "))
	}
}

func interactiveQueryLoop(svc *memory.Service, opts memory.RetrieveOptions) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".recall_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s interactive query mode (Ctrl+C to exit)\n\n", appName)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		query := strings.TrimSpace(line)
		if query == "" {
			continue
		}
		if query == "exit" || query == "quit" {
			return nil
		}
		if err := runQuery(context.Background(), svc, query, opts); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		fmt.Println()
	}
}

func newPutCommand(configPath *string) *cobra.Command {
	var (
		id         string
		source     string
		docType    string
		memType    string
		importance float64
		confidence float64
		tags       []string
		dims       []string
		section    string
		page       int
		locked     bool
		fromFile   string
	)
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			if fromFile != "" {
				b, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("read content file: %w", err)
				}
				content = string(b)
			}
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("content is required")
			}
			scores, err := parseDimensionFlags(dims)
			if err != nil {
				return err
			}

			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			stored, err := svc.Ingest(cmd.Context(), memory.MemoryChunk{
				ID:              id,
				Content:         content,
				SourceName:      source,
				DocumentType:    docType,
				Type:            memory.MemoryType(memType),
				Importance:      importance,
				Confidence:      confidence,
				Tags:            tags,
				DimensionScores: map[string]float64(scores),
				SectionTitle:    section,
				PageNumber:      page,
				Locked:          locked,
			})
			if err != nil {
				return err
			}
			fmt.Println(stored.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Chunk id (generated when empty)")
	cmd.Flags().StringVar(&source, "source", "", "Source name")
	cmd.Flags().StringVar(&docType, "doc-type", "", "Document type")
	cmd.Flags().StringVar(&memType, "type", string(memory.MemoryDocument), "Memory type")
	cmd.Flags().Float64Var(&importance, "importance", 0, "Importance score in [0,1]")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.5, "Confidence score in [0,1]")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().StringArrayVar(&dims, "dim", nil, "Dimension score as name=value (repeatable)")
	cmd.Flags().StringVar(&section, "section", "", "Section title for citations")
	cmd.Flags().IntVar(&page, "page", 0, "Page number for citations")
	cmd.Flags().BoolVar(&locked, "locked", false, "Require the unlock capability to retrieve")
	cmd.Flags().StringVar(&fromFile, "file", "", "Read content from file")
	return cmd
}

func newRmCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <chunk-id>",
		Short: "Delete (tombstone) a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Delete(cmd.Context(), args[0])
		},
	}
}

func newPinCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pin <chunk-id>",
		Short: "Set maximum priority on a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Pin(cmd.Context(), args[0])
		},
	}
}

func newUnpinCommand(configPath *string) *cobra.Command {
	var importance float64
	cmd := &cobra.Command{
		Use:   "unpin <chunk-id>",
		Short: "Restore a chunk's priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Unpin(cmd.Context(), args[0], importance)
		},
	}
	cmd.Flags().Float64Var(&importance, "importance", 0, "Importance to restore")
	return cmd
}

func newProfilesCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List loaded ranking profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			for _, name := range svc.ProfileNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newStatsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show corpus statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			st, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("chunks:      %d\n", st.ChunkCount)
			fmt.Printf("tombstones:  %d\n", st.TombstoneCount)
			fmt.Printf("max access:  %d\n", st.MaxAccessCount)
			fmt.Printf("hits total:  %d\n", st.TotalAccesses)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

// parseDimensionFlags turns repeated name=weight flags into the sparse
// dimension vector the engine consumes.
func parseDimensionFlags(flags []string) (memory.DimensionFilter, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(memory.DimensionFilter, len(flags))
	for _, f := range flags {
		name, raw, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid dimension %q, want name=weight", f)
		}
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dimension weight %q: %w", raw, err)
		}
		out[strings.TrimSpace(name)] = w
	}
	return out, nil
}
