package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"automator/internal/config"
	"automator/internal/storage"
	logx "automator/pkg/logx"
)

// withStore opens the configured store, runs fn and closes it.
func withStore(ctx context.Context, fn func(ctx context.Context, st storage.Store) error) error {
	cfg, err := config.NewManager(viper.GetString("config")).Load()
	if err != nil {
		return err
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := storage.Open(storage.Config{Driver: cfg.Store.Driver, Path: cfg.Store.Path, BusyTimeout: busy}, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedules", Short: "Inspect stored schedules"}
	var group string
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st storage.Store) error {
				ss, err := st.Schedules(ctx)
				if group != "" {
					ss, err = st.SchedulesByGroup(ctx, group)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, ss)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Group", "Type", "Priority", "Triggered", "Pending", "Source", "End"})
				for _, s := range ss {
					tw.AppendRow(table.Row{
						s.ID, s.Group, s.ContentType, s.Priority,
						fmt.Sprintf("%d/%d", s.TriggeredCount, s.EffectiveLimit()),
						s.IsPendingExecution, s.Source, formatTime(s.End),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&group, "group", "", "only schedules of this group")
	cmd.AddCommand(list)
	return cmd
}

func constraintsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "constraints", Short: "Inspect frequency constraints"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List constraints with their recorded occurrences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st storage.Store) error {
				cs, err := st.Constraints(ctx)
				if err != nil {
					return err
				}
				type row struct {
					ID          string        `json:"id"`
					Range       time.Duration `json:"range"`
					Count       uint          `json:"count"`
					Occurrences int           `json:"occurrences"`
					InWindow    int           `json:"in_window"`
				}
				now := time.Now()
				rows := make([]row, 0, len(cs))
				for _, c := range cs {
					occ, err := st.Occurrences(ctx, c.ID)
					if err != nil {
						return err
					}
					r := row{ID: c.ID, Range: c.Range, Count: c.Count, Occurrences: len(occ)}
					for _, o := range occ {
						if now.Sub(o.Timestamp) < c.Range {
							r.InWindow++
						}
					}
					rows = append(rows, r)
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Range", "Count", "Occurrences", "In window"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Range, r.Count, r.Occurrences, r.InWindow})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Local().Format(time.RFC3339))
}
