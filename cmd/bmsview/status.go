package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Treystu/BMSview-sub009/internal/config"
	"github.com/Treystu/BMSview-sub009/internal/storage/sqlite"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recently analyzed records",
	Long:  `Display the most recent analysis records from the local database. Does not require analyzer credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		rows, err := store.ListRecentProjections(context.Background(), statusLimit)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Recent Records ==="))
		if len(rows) == 0 {
			fmt.Printf("  %s\n\n", gray("No records yet"))
			return nil
		}

		for _, row := range rows {
			state := yellow("partial")
			if row.IsComplete {
				state = green("complete")
			}
			system := gray("unlinked")
			if row.SystemName != nil {
				system = *row.SystemName
			}

			fmt.Printf("  %s  score %5.1f  %s\n", row.Timestamp.Format("2006-01-02 15:04"), row.ValidationScore, state)
			fmt.Printf("    Record: %s\n", row.RecordID)
			fmt.Printf("    File:   %s\n", row.FileName)
			fmt.Printf("    System: %s\n", system)
			if row.StateOfCharge != nil {
				fmt.Printf("    SoC:    %.1f%%\n", *row.StateOfCharge)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of records to show")
	rootCmd.AddCommand(statusCmd)
}
