package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"gamelog-ingester/ingester"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <upload-id>",
		Short: "Show the processing status of one upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("upload id %q: %w", args[0], err)
			}
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			view, err := ingester.GetFileStatus(cmd.Context(), db, uint(id))
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
}

func uploadsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List uploads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			views, err := ingester.ListUploads(cmd.Context(), db, ingester.FileStatus(status), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, views)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only uploads in this status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Rank players by total score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			players, err := ingester.Leaderboard(cmd.Context(), db, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, players)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum rows")
	return cmd
}

func playerCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "player <player-id>",
		Short: "Show a player's totals and latest events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			stats, err := ingester.GetPlayerStats(cmd.Context(), db, args[0], recent)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "Number of recent events")
	return cmd
}

func itemsCmd() *cobra.Command {
	var by string
	var limit int
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Rank items by pickups or quantity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if by != "pickups" && by != "quantity" {
				return fmt.Errorf("--by must be pickups or quantity, got %q", by)
			}
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			items, err := ingester.TopItems(cmd.Context(), db, by, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&by, "by", "pickups", "Ranking: pickups or quantity")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum rows")
	return cmd
}

func itemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "item <name>",
		Short: "Break down an item's pickups by location and player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			stats, err := ingester.GetItemStats(cmd.Context(), db, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func eventsSummaryCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "events-summary",
		Short: "Count events by type and category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from *time.Time
			if since != "" {
				t, err := parseSince(since)
				if err != nil {
					return err
				}
				from = &t
			}
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			summary, err := ingester.SummarizeEvents(cmd.Context(), db, from)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this time (RFC3339, '2006-01-02 15:04:05' UTC, or a duration such as 24h)")
	return cmd
}

func dashboardCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summarise activity over the last hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			d, err := ingester.BuildDashboard(cmd.Context(), db, time.Now(), hours)
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Trailing window in hours")
	return cmd
}

// parseSince accepts an absolute time or a duration back from now.
func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("--since %q: want RFC3339, '2006-01-02 15:04:05' or a duration", s)
}
