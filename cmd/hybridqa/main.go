package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/execlog"
	"github.com/zen-systems/hybridqa/pkg/ingest"
	"github.com/zen-systems/hybridqa/pkg/prompt"
	"github.com/zen-systems/hybridqa/pkg/router"
	"github.com/zen-systems/hybridqa/pkg/server"
)

var (
	configFile   string
	envFiles     []string
	providerFlag string
	modelFlag    string
	logDirFlag   string
	indexFlag    string
	verbose      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hybridqa",
		Short: "Answer questions from a SQL database, a document index, or both",
		Long: `hybridqa classifies each question as structured, retrieval or hybrid,
runs the matching backend (or both in parallel), and merges hybrid answers
into one response. Every classification and backend run is appended to a
JSONL execution log.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.hybridqa/config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files to load")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "inference provider override")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "model or alias override")
	rootCmd.PersistentFlags().StringVar(&logDirFlag, "log-dir", "", "execution log directory override")
	rootCmd.PersistentFlags().StringVar(&indexFlag, "index", "", "retrieval index path override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(backendCmd(backend.KindSQL, "Answer a question with the structured backend only"))
	rootCmd.AddCommand(backendCmd(backend.KindRAG, "Answer a question with the retrieval backend only"))
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(promptsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func askCmd() *cobra.Command {
	var (
		logFile string
		asJSON  bool
		details bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Classify a question, run its backends and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := a.router()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			resp, err := r.Ask(ctx, router.Request{
				Question:       strings.Join(args, " "),
				LogDestination: logFile,
				IndexPath:      a.cfg.Retrieval.IndexPath,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			if details {
				fmt.Printf("Route: %s\n", resp.Route)
				for _, res := range resp.Results() {
					status := "ok"
					if res.Failed() {
						status = "failed: " + res.Error
					}
					fmt.Printf("  %s (%.2fs) %s\n", res.Backend, res.DurationSeconds, status)
					if res.GeneratedSQL != "" {
						fmt.Printf("    sql: %s\n", res.GeneratedSQL)
					}
					if n := len(res.Sources); n > 0 {
						fmt.Printf("    sources: %d\n", n)
					}
				}
				fmt.Println()
			}
			fmt.Println(resp.Answer)
			return nil
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "write every log entry for this question to one file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	cmd.Flags().BoolVarP(&details, "details", "d", false, "show the route and backend results")

	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [question]",
		Short: "Show which route a question would take",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			llm, err := a.llm()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			c := router.NewClassifier(llm, a.prompts, a.cfg.ModelFor("classifier"))
			d, err := c.Classify(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			fmt.Printf("Route:     %s\n", d.Route)
			fmt.Printf("Label:     %q\n", d.RawLabel)
			fmt.Printf("Adapter:   %s\n", d.Adapter)
			fmt.Printf("Model:     %s\n", d.Model)
			return nil
		},
	}
}

// backendCmd runs one backend directly, bypassing classification.
func backendCmd(kind backend.Kind, short string) *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   string(kind) + " [question]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			llm, err := a.llm()
			if err != nil {
				return err
			}
			b := a.structuredBackend(llm)
			if kind == backend.KindRAG {
				b = a.retrievalBackend(llm)
			}

			ctx, cancel := signalContext()
			defer cancel()

			res := backend.Run(ctx, b, backend.Query{
				Question:       strings.Join(args, " "),
				IndexPath:      a.cfg.Retrieval.IndexPath,
				LogDestination: logFile,
				QueryID:        uuid.NewString(),
			}, a.execLog)
			a.metrics.ObserveBackend(string(res.Backend), res.Failed(), res.Duration)

			for _, s := range res.Steps {
				fmt.Printf("[%d] %s: %s\n", s.Number, s.Tool, backend.Truncate(s.ToolInput, 200))
			}
			for i, src := range res.Sources {
				fmt.Printf("[source %d] %s\n", i+1, backend.Truncate(src.Content, 120))
			}
			fmt.Println(res.Answer)
			if res.Failed() {
				return fmt.Errorf("%s backend failed", kind)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "write the log entry to this file")
	return cmd
}

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index [dir]",
		Short: "Chunk, embed and store the .txt and .md files under dir",
		Long: `Chunk, embed and store the .txt and .md files under dir in the index.

The index directory is locked while it is written, so stop any running
"hybridqa serve" that reads the same index first and restart it afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			emb, err := a.embedder()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			in := ingest.New(emb,
				ingest.WithChunking(a.cfg.Retrieval.ChunkSize, a.cfg.Retrieval.Overlap()),
				ingest.WithBatchSize(a.cfg.Embeddings.BatchSize),
				ingest.WithLogger(a.log),
			)
			stats, err := in.IndexDir(ctx, args[0], a.cfg.Retrieval.IndexPath)
			if err != nil {
				return err
			}

			fmt.Printf("Indexed %d chunks from %d files into %s\n", stats.Chunks, stats.Files, a.cfg.Retrieval.IndexPath)
			for _, s := range stats.Skipped {
				fmt.Printf("  skipped %s\n", s)
			}
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var (
		file  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "logs [classification|sql|rag]",
		Short: "Print execution log entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}

			logType := execlog.TypeClassification
			if len(args) == 1 {
				logType = execlog.Type(args[0])
				switch logType {
				case execlog.TypeClassification, execlog.TypeSQL, execlog.TypeRAG:
				default:
					return fmt.Errorf("unknown log type %q", args[0])
				}
			}

			path := a.execLog.Path(logType, file)
			entries, err := execlog.Read(path)
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			if len(entries) == 0 {
				fmt.Printf("No entries in %s\n", path)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tAGENT\tQUESTION\tRESULT\tSECONDS")
			for _, e := range entries {
				result := e.Classification
				if result == "" {
					result = e.Answer
				}
				if e.Error != "" {
					result = "error: " + e.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\n",
					e.Timestamp.Format("2006-01-02 15:04:05"),
					e.AgentType,
					backend.Truncate(e.Question, 40),
					backend.Truncate(strings.ReplaceAll(result, "\n", " "), 60),
					e.DurationSeconds,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "read this file instead of the per-type log")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show only the last n entries (0 for all)")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr    string
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /ask, /healthz and /metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := a.router()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			srv := server.New(r,
				server.WithGatherer(a.registry),
				server.WithLogger(a.log),
				server.WithLogDestination(logFile),
			)
			a.log.Info().Str("addr", addr).Str("provider", a.cfg.Inference.Provider).Msg("serving")
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write every execution log entry to one file")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List providers and model aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCONFIGURED\tACTIVE")
			for _, name := range adapter.Names() {
				active := ""
				if name == a.cfg.Inference.Provider {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\n", name, a.cfg.HasCredentials(name), active)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			aliases := a.cfg.Models.ListAliases()
			if len(aliases) == 0 {
				return nil
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tMODEL")
			for _, alias := range aliases {
				fmt.Fprintf(w, "%s\t%s\n", alias, a.cfg.Models.Resolve(alias))
			}
			return w.Flush()
		},
	}
}

func promptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompts [name]",
		Short: "List prompt templates or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				for _, name := range prompt.Builtin() {
					fmt.Println(name)
				}
				return nil
			}
			text, err := a.prompts.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}
