package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apexcrm/leadscout/config"
	srv "github.com/apexcrm/leadscout/internal/server"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var run = &cobra.Command{
		Use:   "run [query]",
		Short: "Run one research pipeline pass and print the ranked leads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			query := strings.Join(args, " ")

			ctx := context.Background()
			app, err := srv.BuildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Store.Close()

			result, err := app.Pipeline.Run(ctx, query, nil)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			return nil
		},
	}
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return run
}
