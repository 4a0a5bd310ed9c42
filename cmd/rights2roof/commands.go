package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/knowledge"
	"github.com/OhziiiLov3/rights2roof/internal/mcpserver"
	"github.com/OhziiiLov3/rights2roof/internal/server"
	"github.com/OhziiiLov3/rights2roof/pkg/client"
)

// executionRetention is how long finished async turns stay queryable.
const executionRetention = time.Hour

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = g.cfg.Server.Address
			}
			opts := []server.Option{
				server.WithMetrics(a.metrics),
				server.WithLogger(g.logger),
				server.WithHistoryLimit(g.cfg.Pipeline.HistoryLimit),
			}
			if g.cfg.Server.RateLimitEnabled {
				opts = append(opts, server.WithLimiter(a.limiter))
			}
			srv := server.New(a.pipeline, opts...)

			go func() {
				ticker := time.NewTicker(10 * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if n := a.pipeline.CleanupCompletedExecutions(executionRetention); n > 0 {
							g.logger.Debug("Cleaned up async executions", "count", n)
						}
					}
				}
			}()

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(addr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			g.logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}

func askCmd(g *globals) *cobra.Command {
	var (
		session string
		remote  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Answer one question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			query := strings.Join(args, " ")

			var (
				turn rights2roof.Turn
				err  error
			)
			if remote != "" {
				turn, err = client.New(remote).Ask(ctx, query, session)
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Answer != "" {
					turn.FinalAnswer = apiErr.Answer
				}
			} else {
				a, buildErr := buildApp(ctx, g.cfg, g.logger)
				if buildErr != nil {
					return buildErr
				}
				defer a.Close()
				turn, err = a.pipeline.RunTurnDetailed(ctx, query, session)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(turn); encErr != nil {
					return encErr
				}
			} else if turn.FinalAnswer != "" {
				fmt.Fprintln(out, turn.FinalAnswer)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session (user) id; turns in one session share history")
	cmd.Flags().StringVar(&remote, "remote", "", "ask a running server at this base URL instead of answering locally")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole turn as JSON")
	return cmd
}

func indexCmd(g *globals) *cobra.Command {
	var corpus, path string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the on-disk knowledge base index from the corpus directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			kc := g.cfg.Knowledge
			if corpus == "" {
				corpus = kc.CorpusDir
			}
			if path == "" {
				path = kc.IndexPath
			}
			if corpus == "" || path == "" {
				return errors.New("index needs a corpus directory and an index path")
			}

			idx, err := knowledge.Open(path)
			if err != nil {
				return err
			}
			defer idx.Close()

			n, err := knowledge.IndexDir(cmd.Context(), idx, corpus, kc.ChunkSize, kc.ChunkOverlap, g.logger)
			if err != nil {
				return err
			}
			total, err := idx.Count()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks from %s into %s (%d total)\n", n, corpus, path, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&corpus, "corpus", "", "corpus directory (overrides knowledge.corpus_dir)")
	cmd.Flags().StringVar(&path, "index", "", "index path (overrides knowledge.index_path)")
	return cmd
}

func mcpCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve pipeline_query and the tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcpserver.ServeStdio(ctx, mcpserver.New(a.pipeline, a.registry, version, g.logger))
		},
	}
}

func toolsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available with the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			schemas := a.registry.Schemas()
			names := make([]string, 0, len(schemas))
			for name := range schemas {
				names = append(names, string(name))
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tCATEGORY\tDESCRIPTION")
			for _, name := range names {
				s := schemas[rights2roof.ToolName(name)]
				category, _ := s["category"].(string)
				description, _ := s["description"].(string)
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, category, description)
			}
			return w.Flush()
		},
	}
}
