package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	mediapipeline "github.com/Skryldev/media-pipeline"
	"github.com/Skryldev/media-pipeline/core"
	"github.com/Skryldev/media-pipeline/pipeline"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var (
		force   bool
		mediaID string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find assets with missing metadata or variants and repair them",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := core.Filter{MediaID: strings.TrimSpace(mediaID), Force: force, Limit: limit}
			return ctx.withApp(cmd.Context(), func(app *mediapipeline.App) error {
				sum, err := app.Service.ScanAndRepair(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), sum, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reprocess every asset, not only incomplete ones")
	cmd.Flags().StringVar(&mediaID, "id", "", "Limit the scan to one asset")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of assets to process (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func newRepairCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "repair <media-id>",
		Short: "Regenerate metadata and variants for one asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []pipeline.ProcessOption
			if force {
				opts = append(opts, pipeline.Force())
			}
			return ctx.withApp(cmd.Context(), func(app *mediapipeline.App) error {
				res, err := app.Service.RepairByID(cmd.Context(), args[0], opts...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: %dx%d %s, %d variants\n", args[0],
					res.Metadata.Width, res.Metadata.Height, res.Metadata.MIMEType, len(res.Variants))
				for profile, perr := range res.ProfileErrors {
					fmt.Fprintf(out, "  %s failed: %v\n", profile, perr)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Upload even when objects already exist")
	return cmd
}

func printSummary(w io.Writer, sum *core.BatchSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	fmt.Fprintf(w, "run %s: processed=%d success=%d errors=%d partial=%d (%s)\n",
		sum.RunID, sum.Processed, sum.SuccessCount, sum.ErrorCount, sum.PartialCount, sum.Duration.Round(time.Millisecond))
	for _, d := range sum.ErrorDetails {
		fmt.Fprintf(w, "  %s (%s): %s\n", d.ID, d.Filename, d.Error)
	}
	return nil
}
