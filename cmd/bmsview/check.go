package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Treystu/BMSview-sub009/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check <image-file>",
	Short: "Check whether a screenshot is already known",
	Long:  `Fingerprint an image and report whether it would be a duplicate, without invoking the analyzer or writing anything.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		image, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}

		ctx := context.Background()
		app, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.close()

		result, err := app.engine.CheckOnly(ctx, image, filepath.Base(args[0]))
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		switch {
		case !result.IsDuplicate:
			fmt.Printf("%s this image has not been analyzed\n", green("new:"))
		case result.NeedsUpgrade:
			fmt.Printf("%s known, but quality is low; a resubmission would re-analyze (record %s)\n",
				yellow("upgradeable:"), result.RecordID)
		default:
			fmt.Printf("%s already analyzed as record %s\n", yellow("duplicate:"), result.RecordID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
