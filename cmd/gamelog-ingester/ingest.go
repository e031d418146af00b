package main

import (
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"gamelog-ingester/ingester"
	"gamelog-ingester/logging"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest one log file synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			runner, err := newRunner(cfg, db)
			if err != nil {
				return err
			}
			res, err := runner.ProcessFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func uploadCmd() *cobra.Command {
	var move bool
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Store a log file in the upload directory and queue it for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			receipt, err := ingester.ImportFile(cmd.Context(), db, cfg.UploadDir, args[0], move)
			if err != nil {
				return err
			}
			logging.Info().
				Uint("uploaded_file_id", receipt.UploadedFileID).
				Bool("duplicate_file", receipt.DuplicateFile).
				Msg("upload queued")
			return printJSON(cmd, receipt)
		},
	}
	cmd.Flags().BoolVar(&move, "move", false, "Move the file into the upload directory instead of copying it")
	return cmd
}

func recalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc",
		Short: "Recompute every aggregate from stored events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)

			var touched *ingester.Touched
			err = db.WithContext(cmd.Context()).Transaction(func(tx *gorm.DB) error {
				var err error
				touched, err = ingester.NewRecalculator(tx).RecalculateAll(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{
				"players": len(touched.Players),
				"bosses":  len(touched.Bosses),
				"items":   len(touched.Items),
				"zones":   len(touched.Zones),
				"quests":  len(touched.Quests),
			})
		},
	}
}
