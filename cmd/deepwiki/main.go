// Package main provides the deepwiki command line interface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jemings/deepwiki-open/internal/config"
	"github.com/jemings/deepwiki-open/internal/deepwiki"
	"github.com/jemings/deepwiki-open/internal/mcpserver"
	"github.com/jemings/deepwiki-open/internal/scheduler"
	"github.com/jemings/deepwiki-open/internal/wiki"
)

var (
	configPath        string
	language          string
	comprehensiveness string
	outputPath        string
	showProgress      bool
)

var rootCmd = &cobra.Command{
	Use:   "deepwiki",
	Short: "Generate documentation wikis and answer questions about code repositories",
	Long: `deepwiki ingests a repository, builds a semantic index over its source,
and uses it to generate a chaptered documentation wiki or answer
questions grounded in the code.

Repositories are given as owner/name (GitHub), optionally with an @ref
suffix, or as local:<path> for a directory on disk.

Environment variables:
  OPENAI_API_KEY  API key for the model provider (required for openai)
  GITHUB_TOKEN    GitHub token for private repositories (optional)
  QDRANT_HOST     Qdrant hostname when index.store is qdrant
  QDRANT_PORT     Qdrant gRPC port (default: 6334)`,
	SilenceUsage: true,
}

var wikiCmd = &cobra.Command{
	Use:   "wiki <repository>",
	Short: "Generate (or fetch the cached) wiki for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runWiki,
}

var askCmd = &cobra.Command{
	Use:   "ask <repository> <question>",
	Short: "Ask a question about a repository and stream the answer",
	Args:  cobra.ExactArgs(2),
	RunE:  runAsk,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tool surface on stdio",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a deepwiki.yaml config file")
	wikiCmd.Flags().StringVar(&language, "language", "", "output language (default English)")
	wikiCmd.Flags().StringVar(&comprehensiveness, "depth", "", "wiki depth: concise or comprehensive")
	wikiCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the wiki markdown to a file instead of stdout")
	wikiCmd.Flags().BoolVar(&showProgress, "progress", true, "print per-chapter progress to stderr")
	rootCmd.AddCommand(wikiCmd, askCmd, serveCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newService(quiet bool) (*deepwiki.Service, error) {
	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefaultFile()
	}
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	return deepwiki.New(cfg, logger)
}

func runWiki(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	ref, err := deepwiki.ParseRef(args[0])
	if err != nil {
		return err
	}
	service, err := newService(false)
	if err != nil {
		return err
	}

	var events chan scheduler.Event
	done := make(chan struct{})
	if showProgress {
		events = make(chan scheduler.Event, 64)
		go func() {
			defer close(done)
			for ev := range events {
				switch ev.Type {
				case scheduler.EventChapterStarted:
					fmt.Fprintf(os.Stderr, "chapter %d started: %s\n", ev.Chapter+1, ev.Title)
				case scheduler.EventChapterCompleted:
					fmt.Fprintf(os.Stderr, "chapter %d completed: %s\n", ev.Chapter+1, ev.Title)
				case scheduler.EventChapterFailed:
					fmt.Fprintf(os.Stderr, "chapter %d failed: %s (%s)\n", ev.Chapter+1, ev.Title, ev.Reason)
				}
			}
		}()
	} else {
		close(done)
	}

	artifact, err := service.GenerateWiki(ctx, ref, wiki.Params{
		Language:          language,
		Comprehensiveness: comprehensiveness,
	}, events)
	if events != nil {
		close(events)
		<-done
	}
	if err != nil {
		return err
	}

	markdown := artifact.Markdown()
	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(markdown), 0o644); err != nil {
			return fmt.Errorf("write wiki: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wiki written to %s\n", outputPath)
	} else {
		fmt.Print(markdown)
	}

	fmt.Fprintf(os.Stderr, "%d chapters", len(artifact.Chapters))
	if len(artifact.Failed) > 0 {
		fmt.Fprintf(os.Stderr, " (%d failed)", len(artifact.Failed))
	}
	fmt.Fprintf(os.Stderr, ", %s\n", time.Since(start).Round(time.Second))
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ref, err := deepwiki.ParseRef(args[0])
	if err != nil {
		return err
	}
	service, err := newService(true)
	if err != nil {
		return err
	}

	stream, err := service.Ask(ctx, ref, args[1])
	if err != nil {
		return err
	}
	for tok := range stream.Tokens() {
		fmt.Print(tok)
	}
	fmt.Println()
	return stream.Err()
}

func runServe(cmd *cobra.Command, args []string) error {
	service, err := newService(true)
	if err != nil {
		return err
	}
	return mcpserver.NewServer(service).Run(cmd.Context())
}
