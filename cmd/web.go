/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/jjudge-oj/usermanagement/config"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/web"
	"github.com/spf13/cobra"
)

// webCmd represents the web command
var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Starts the web front-end",
	Long: `Starts the HTML front-end. It signs users in against the API at
API_BASE_URL and keeps their bearer tokens in server-side sessions. Usage:

	usermanagement web
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.New(cfg.Log)

		srv, err := web.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to start web server: %w", err)
		}
		if err := serve(srv); err != nil {
			return fmt.Errorf("web server error: %w", err)
		}
		logger.Info("web server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webCmd)
}
