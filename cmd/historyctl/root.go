package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nyashahama/massmail-backend/internal/history"
)

type runtimeState struct {
	opts    history.Options
	verbose bool
	writer  io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	rt := &runtimeState{writer: out}

	root := &cobra.Command{
		Use:          "historyctl",
		Short:        "Inspect and seed the send history ledger",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&rt.opts.Backend, "backend", envOr("HISTORY_BACKEND", history.BackendFile), "Ledger backend: file, postgres, redis")
	root.PersistentFlags().StringVar(&rt.opts.FilePath, "file", envOr("HISTORY_FILE", "send_history.log"), "Ledger file (file backend)")
	root.PersistentFlags().StringVar(&rt.opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN (postgres backend)")
	root.PersistentFlags().StringVar(&rt.opts.RedisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL (redis backend)")
	root.PersistentFlags().StringVar(&rt.opts.RedisPrefix, "redis-prefix", envOr("REDIS_KEY_PREFIX", "massmail"), "Redis key prefix (redis backend)")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Log backend activity to stderr")

	root.AddCommand(
		newListCommand(rt),
		newContainsCommand(rt),
		newCountCommand(rt),
		newImportCommand(rt),
	)
	return root
}

func (rt *runtimeState) open(cmd *cobra.Command) (history.Ledger, error) {
	level := slog.LevelWarn
	if rt.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	opts := rt.opts
	opts.Backend = strings.ToLower(strings.TrimSpace(opts.Backend))
	if opts.Backend == history.BackendMemory {
		return nil, errors.New("the memory backend does not outlive the process; pick file, postgres or redis")
	}
	return history.Open(cmd.Context(), opts, logger)
}

// ─── list ─────────────────────────────────────────────────────────────────────

func newListCommand(rt *runtimeState) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print every recorded send",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer ledger.Close()

			switch outputFormat {
			case "json", "yaml":
				var entries []history.Entry
				if err := ledger.List(cmd.Context(), func(e history.Entry) error {
					entries = append(entries, e)
					return nil
				}); err != nil {
					return fmt.Errorf("list history: %w", err)
				}
				return writeStructured(rt.writer, outputFormat, toRows(entries))
			case "", "text":
				bw := bufio.NewWriter(rt.writer)
				if err := ledger.List(cmd.Context(), func(e history.Entry) error {
					_, err := fmt.Fprintln(bw, history.FormatLine(e))
					return err
				}); err != nil {
					return fmt.Errorf("list history: %w", err)
				}
				return bw.Flush()
			default:
				return fmt.Errorf("unknown output format %q", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

type entryRow struct {
	Email     string `json:"email" yaml:"email"`
	FirstName string `json:"firstName,omitempty" yaml:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty" yaml:"lastName,omitempty"`
	SentAt    string `json:"sentAt,omitempty" yaml:"sentAt,omitempty"`
}

func toRows(entries []history.Entry) []entryRow {
	rows := make([]entryRow, 0, len(entries))
	for _, e := range entries {
		row := entryRow{Email: e.Email, FirstName: e.FirstName, LastName: e.LastName}
		if !e.SentAt.IsZero() {
			row.SentAt = e.SentAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return rows
}

func writeStructured(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ─── contains ─────────────────────────────────────────────────────────────────

func newContainsCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "contains EMAIL...",
		Short: "Report whether each address has been sent to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer ledger.Close()

			known, err := history.Known(cmd.Context(), ledger, args)
			if err != nil {
				return fmt.Errorf("check history: %w", err)
			}
			for _, a := range args {
				addr := history.Normalize(a)
				state := "not sent"
				if known[addr] {
					state = "sent"
				}
				_, _ = fmt.Fprintf(rt.writer, "%s\t%s\n", addr, state)
			}
			return nil
		},
	}
}

// ─── count ────────────────────────────────────────────────────────────────────

func newCountCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of distinct addresses in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer ledger.Close()

			seen := make(map[string]struct{})
			if err := ledger.List(cmd.Context(), func(e history.Entry) error {
				seen[history.Normalize(e.Email)] = struct{}{}
				return nil
			}); err != nil {
				return fmt.Errorf("count history: %w", err)
			}
			_, _ = fmt.Fprintln(rt.writer, len(seen))
			return nil
		},
	}
}

// ─── import ───────────────────────────────────────────────────────────────────

// newImportCommand seeds the ledger from a history export, or from a plain
// list of addresses. Addresses already present are left alone, so the same
// file can be imported twice.
func newImportCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Record addresses from a history export or address list (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			ledger, err := rt.open(cmd)
			if err != nil {
				return err
			}
			defer ledger.Close()

			var added, present int
			sc := bufio.NewScanner(in)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				e, ok := history.ParseLine(sc.Text())
				if !ok {
					continue
				}
				sent, err := ledger.Contains(cmd.Context(), e.Email)
				if err != nil {
					return fmt.Errorf("check %s: %w", e.Email, err)
				}
				if sent {
					present++
					continue
				}
				if err := ledger.Record(cmd.Context(), e); err != nil {
					return fmt.Errorf("record %s: %w", e.Email, err)
				}
				added++
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			_, _ = fmt.Fprintf(rt.writer, "imported %d, already present %d\n", added, present)
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
