/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/jjudge-oj/usermanagement/config"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/server"
	"github.com/spf13/cobra"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the user API",
	Long: `Starts the user API that registers accounts and issues bearer tokens. Usage:

	usermanagement server
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.New(cfg.Log)

		srv, err := server.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		if err := serve(srv); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("api server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
