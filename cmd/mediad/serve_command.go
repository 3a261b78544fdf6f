package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mediapipeline "github.com/Skryldev/media-pipeline"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and the background repair queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withApp(sigCtx, func(app *mediapipeline.App) error {
				srv, err := app.Server()
				if err != nil {
					return err
				}
				listen := addr
				if listen == "" {
					listen = app.Config.Server.Addr
				}
				app.Service.Start()
				return srv.Run(sigCtx, listen)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
