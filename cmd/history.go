package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/config"
	"github.com/grltest/grlctl/internal/popup"
	"github.com/grltest/grlctl/internal/storage"
)

type historyOptions struct {
	configPath string
	dbPath     string
	limit      int
	jsonOut    bool
}

func newHistoryCmd() *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journalled test runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(opts.limit)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file (default ~/.grlctl/config.toml)")
	pf.StringVar(&opts.dbPath, "db", "", "History database (default: history.path or ~/.grlctl/history.db)")
	pf.BoolVar(&opts.jsonOut, "json", false, "Emit JSON to stdout")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Number of runs to show")

	cmd.AddCommand(&cobra.Command{
		Use:   "popups <run-id>",
		Short: "Show the popups recorded during a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetRun(args[0]); err != nil {
				return err
			}
			records, err := store.ListPopups(args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			renderPopups(cmd.OutOrStdout(), records)
			return nil
		},
	})
	return cmd
}

// open resolves the database path: --db, then history.path, then the default.
func (opts *historyOptions) open() (*storage.SQLiteStore, error) {
	path := opts.dbPath
	if path == "" {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.History.Path
	}
	if path == "" {
		def, err := config.DefaultHistoryPath()
		if err != nil {
			return nil, err
		}
		path = def
	}
	return storage.NewSQLiteStore(expandHome(path), zap.NewNop())
}

func renderRuns(w io.Writer, runs []*storage.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tPROJECT\tTESTS\tOUTCOME\tLAST CASE\tPOPUPS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			orDash(r.Project),
			len(r.Tests),
			r.Outcome,
			orDash(strings.TrimSpace(r.LastTestCase+" "+r.FinalStatus)),
			r.PopupCount,
		)
	}
	tw.Flush()
}

func renderPopups(w io.Writer, records []popup.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No popups recorded.")
		return
	}
	for _, r := range records {
		dismissed := ""
		if r.Dismissed {
			dismissed = " (dismissed)"
		}
		fmt.Fprintf(w, "#%d %s [%s] %s: %s%s\n",
			r.Seq, r.Timestamp.Local().Format(time.TimeOnly), r.Kind, r.Key(), r.Message, dismissed)
	}
}
