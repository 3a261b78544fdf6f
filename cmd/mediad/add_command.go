package main

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	mediapipeline "github.com/Skryldev/media-pipeline"
	"github.com/Skryldev/media-pipeline/core"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var (
		id       string
		filename string
		process  bool
	)

	cmd := &cobra.Command{
		Use:   "add <original-url>",
		Short: "Register an uploaded original in the record store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := strings.TrimSpace(args[0])
			if id == "" {
				id = uuid.NewString()
			}
			if filename == "" {
				filename = path.Base(src)
			}
			asset := core.SourceAsset{
				ID:          id,
				OriginalURL: src,
				Filename:    filename,
				Extension:   strings.TrimPrefix(path.Ext(filename), "."),
			}
			return ctx.withApp(cmd.Context(), func(app *mediapipeline.App) error {
				if err := app.Records.CreateAsset(cmd.Context(), asset); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), asset.ID)
				if !process {
					return nil
				}
				return app.Service.RepairAsset(cmd.Context(), asset)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Asset id (default: random UUID)")
	cmd.Flags().StringVar(&filename, "filename", "", "Stored filename (default: last URL segment)")
	cmd.Flags().BoolVar(&process, "process", false, "Generate variants immediately")
	return cmd
}
