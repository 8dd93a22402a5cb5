package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Treystu/BMSview-sub009/internal/config"
	"github.com/Treystu/BMSview-sub009/internal/pipeline"
)

var analyzeForce bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image-file>",
	Short: "Analyze a screenshot from the command line",
	Long:  `Run one screenshot through the full ingestion pipeline (dedup, analyzer, association) and print the result.`,
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

		result, err := app.engine.Submit(ctx, pipeline.SubmitRequest{
			Image:       image,
			FileName:    filepath.Base(args[0]),
			ContentType: contentTypeFor(args[0]),
			Force:       analyzeForce,
		})
		if err != nil {
			return err
		}

		printEnvelope(result)
		return nil
	},
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

func printEnvelope(result *pipeline.SubmitResult) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Analysis Result ==="))
	fmt.Printf("  Record:    %s\n", result.Envelope.RecordID)
	fmt.Printf("  File:      %s\n", result.Envelope.FileName)
	fmt.Printf("  Score:     %.1f\n", result.Envelope.ValidationScore)
	fmt.Printf("  Reason:    %s\n", result.Reason)

	if result.Envelope.IsDuplicate {
		fmt.Printf("  Status:    %s\n", yellow("duplicate"))
	} else if result.Envelope.WasUpgraded {
		fmt.Printf("  Status:    %s\n", green("upgraded"))
	} else {
		fmt.Printf("  Status:    %s\n", green("new"))
	}

	if result.Envelope.SystemName != nil {
		fmt.Printf("  System:    %s\n", *result.Envelope.SystemName)
	} else {
		fmt.Printf("  System:    %s\n", gray("unlinked"))
	}

	a := result.Envelope.Analysis
	fmt.Println()
	if a.StateOfCharge != nil {
		fmt.Printf("  SoC:       %.1f%%\n", *a.StateOfCharge)
	}
	if a.TotalVoltage != nil {
		fmt.Printf("  Voltage:   %.2f V\n", *a.TotalVoltage)
	}
	if a.Current != nil {
		fmt.Printf("  Current:   %.2f A\n", *a.Current)
	}
	if a.Temperature != nil {
		fmt.Printf("  Temp:      %.1f C\n", *a.Temperature)
	}
	if len(a.CellVoltages) > 0 {
		fmt.Printf("  Cells:     %d read\n", len(a.CellVoltages))
	}
	fmt.Println()
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeForce, "force", false, "re-run the analyzer even if a usable record exists")
	rootCmd.AddCommand(analyzeCmd)
}
