package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/banshee-data/pointcloud/internal/journal"
)

var errNoJournal = errors.New("journal path is required (use --journal or journal_path in the config)")

func newJournalCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and migrate the session journal",
	}
	cmd.PersistentFlags().StringVar(&path, "journal", "", "journal database (default from config)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		if p := cfg.GetJournalPath(); p != "" {
			return p, nil
		}
		return "", errNoJournal
	}

	cmd.AddCommand(newMigrateCommand(resolve))
	cmd.AddCommand(newSessionsCommand(resolve))
	cmd.AddCommand(newEventsCommand(resolve))
	return cmd
}

func newMigrateCommand(resolve func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|status|to N|force N>",
		Short: "Manage the journal schema",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			store, err := journal.OpenUnmigrated(path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			action := args[0]
			needVersion := func() (int, error) {
				if len(args) < 2 {
					return 0, fmt.Errorf("usage: pcload journal migrate %s <version>", action)
				}
				return strconv.Atoi(args[1])
			}

			switch action {
			case "up":
				err = store.MigrateUp()
			case "down":
				err = store.MigrateDown()
			case "to":
				var v int
				if v, err = needVersion(); err == nil {
					if v < 0 {
						return fmt.Errorf("version must be non-negative, got %d", v)
					}
					err = store.MigrateTo(uint(v))
				}
			case "force":
				var v int
				if v, err = needVersion(); err == nil {
					err = store.MigrateForce(v)
				}
			case "status":
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
			if err != nil {
				return err
			}
			return writeMigrateStatus(out, store)
		},
	}
}

func writeMigrateStatus(w io.Writer, store *journal.Store) error {
	v, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := journal.LatestVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "version %d of %d", v, latest)
	if dirty {
		fmt.Fprint(w, " (dirty)")
	}
	fmt.Fprintln(w)
	return nil
}

func newSessionsCommand(resolve func() (string, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded load sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			store, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.RecentSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tbl := table.NewWriter()
			tbl.SetOutputMirror(cmd.OutOrStdout())
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"finished", "source", "format", "status", "points", "repairs", "confidence", "error"})
			for _, r := range rows {
				tbl.AppendRow(table.Row{
					r.Finished.Local().Format(time.DateTime), r.Source, r.Format, r.Status,
					humanize.Comma(int64(r.Points)), r.Repairs, fmt.Sprintf("%.2f", r.Confidence), r.Error,
				})
			}
			tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d sessions", len(rows))})
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func newEventsCommand(resolve func() (string, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List rendering context events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			store, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()
			events, err := store.RecentContextEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tbl := table.NewWriter()
			tbl.SetOutputMirror(cmd.OutOrStdout())
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"at", "event", "phase", "losses", "recoveries", "error"})
			for _, ev := range events {
				tbl.AppendRow(table.Row{
					humanize.Time(ev.At), ev.Event, ev.Phase, ev.LossCount, ev.RecoveryAttempts, ev.Error,
				})
			}
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to list")
	return cmd
}
