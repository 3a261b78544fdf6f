package main

import (
	"context"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	mediapipeline "github.com/Skryldev/media-pipeline"
	"github.com/Skryldev/media-pipeline/config"
)

func newRootCommand(appOpts ...mediapipeline.Option) *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)
	ctx.appOptions = appOpts

	rootCmd := &cobra.Command{
		Use:           "mediad",
		Short:         "Media variant pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newScanCommand(ctx))
	rootCmd.AddCommand(newRepairCommand(ctx))
	rootCmd.AddCommand(newAddCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error

	// appOptions is passed to every App built by this context.
	appOptions []mediapipeline.Option
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

// withApp builds the application, runs fn and closes it again.
func (c *commandContext) withApp(ctx context.Context, fn func(*mediapipeline.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	app, err := mediapipeline.New(ctx, cfg, c.appOptions...)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
