package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/vectorstore"
	"github.com/ragline/ragline/internal/watch"
)

var (
	flagVerbose   bool
	flagBackend   string
	flagChromaURL string
)

var rootCmd = &cobra.Command{
	Use:     "ragline",
	Short:   "Index local document directories and ask questions grounded in them",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(flagVerbose)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "sqlite", "vector store backend (sqlite or chroma)")
	rootCmd.PersistentFlags().StringVar(&flagChromaURL, "chroma-url", "", "ChromaDB server URL (chroma backend only)")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(collectionsCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(mcpCmd)

	indexCmd.Flags().String("collection", "default", "collection to index into")
	indexCmd.Flags().String("model", "", "model profile (default: default)")
	indexCmd.Flags().String("file-types", "", "file-type profile (default: default)")

	queryCmd.Flags().String("collection", "default", "collection to query")
	queryCmd.Flags().String("model", "", "model profile (default: default)")
	queryCmd.Flags().Int("top-k", 0, "retrieved chunks per query (default: from config)")
	queryCmd.Flags().Bool("json", false, "print the full result as JSON")

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	serveCmd.Flags().String("token", "", "bearer token required on /v1 routes (default: none)")

	watchCmd.Flags().String("collection", "default", "collection to keep in sync")
	watchCmd.Flags().String("model", "", "model profile (default: default)")
	watchCmd.Flags().String("file-types", "", "file-type profile (default: default)")
}

// buildPipeline assembles the store and pipeline shared by every verb.
// The returned close func must be called when done.
func buildPipeline(overrides ...func(*config.Config)) (*pipeline.Pipeline, config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}

	var store vectorstore.Store
	switch flagBackend {
	case "sqlite":
		store, err = vectorstore.OpenSQLite(cfg.DataDir)
	case "chroma":
		store, err = vectorstore.NewChroma(flagChromaURL)
	default:
		return nil, config.Config{}, nil, fmt.Errorf("unknown backend %q (want sqlite or chroma)", flagBackend)
	}
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	p := pipeline.New(cfg, store, nil, nil)
	return p, cfg, func() { store.Close() }, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var indexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Scan a directory and index its documents into a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		model, _ := cmd.Flags().GetString("model")
		fileTypes, _ := cmd.Flags().GetString("file-types")

		p, _, closeStore, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		stats, err := p.LoadAndIndex(ctx, pipeline.IndexRequest{
			Dir:             args[0],
			Collection:      collection,
			ModelProfile:    model,
			FileTypeProfile: fileTypes,
		})
		if err != nil {
			return err
		}

		fmt.Printf("indexed %d documents (%d chunks) into %q\n",
			stats.DocumentsLoaded, stats.ChunksIndexed, collection)
		for _, w := range stats.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Path, w.Reason)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question grounded in an indexed collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		model, _ := cmd.Flags().GetString("model")
		topK, _ := cmd.Flags().GetInt("top-k")
		asJSON, _ := cmd.Flags().GetBool("json")

		p, _, closeStore, err := buildPipeline(func(cfg *config.Config) {
			if topK > 0 {
				cfg.Query.TopK = topK
			}
		})
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		result, err := p.Query(ctx, pipeline.QueryRequest{
			Collection:   collection,
			Question:     strings.Join(args, " "),
			ModelProfile: model,
		})
		if err != nil {
			return err
		}

		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}

		fmt.Println(result.Answer)
		if result.LowConfidence {
			fmt.Fprintln(os.Stderr, "(low confidence: no indexed content matched the question)")
			return nil
		}
		fmt.Println("\nSources:")
		for _, s := range result.Sources {
			version := s.Version
			if version == "" {
				version = "unversioned"
			}
			fmt.Printf("  %.2f  %s (%s)\n", s.Score, s.Path, version)
		}
		return nil
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List indexed collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, closeStore, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		infos, err := p.ListCollections(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no collections")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s (dim %d)\t%d records, %d documents\n",
				info.Name, info.ModelID, info.Dimension, info.RecordCount, info.DocumentCount)
		}
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <collection> [family]",
	Short: "List document families in a collection and their versions",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, closeStore, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		families, err := p.ListVersions(ctx, args[0])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			filtered := families[:0]
			for _, f := range families {
				if f.Family == args[1] {
					filtered = append(filtered, f)
				}
			}
			families = filtered
			if len(families) == 0 {
				return fmt.Errorf("no document family %q in collection %q", args[1], args[0])
			}
		}
		for _, f := range families {
			if len(f.Versions) == 1 && f.Versions[0] == "" {
				fmt.Printf("%s\t(unversioned)\n", f.Family)
				continue
			}
			fmt.Printf("%s\t%s\tlatest: %s\n", f.Family, strings.Join(f.Versions, ", "), f.Latest)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <collection>",
	Short: "Delete a collection and all its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, closeStore, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signalContext()
		defer stop()

		if err := p.DeleteCollection(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted collection %q\n", args[0])
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory and keep a collection in sync with it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		model, _ := cmd.Flags().GetString("model")
		fileTypes, _ := cmd.Flags().GetString("file-types")

		p, cfg, closeStore, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeStore()

		exts, err := cfg.ResolveFileTypes(fileTypes)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		// Full sync first so the watcher starts from a consistent state.
		stats, err := p.LoadAndIndex(ctx, pipeline.IndexRequest{
			Dir:             args[0],
			Collection:      collection,
			ModelProfile:    model,
			FileTypeProfile: fileTypes,
		})
		if err != nil {
			return err
		}
		fmt.Printf("initial sync: %d documents (%d chunks)\n", stats.DocumentsLoaded, stats.ChunksIndexed)

		w := watch.New(p, watch.Options{
			Dir:             args[0],
			Collection:      collection,
			ModelProfile:    model,
			FileTypeProfile: fileTypes,
			Extensions:      exts,
		})
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}
