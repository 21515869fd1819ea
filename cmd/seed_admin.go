/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/jjudge-oj/usermanagement/config"
	"github.com/jjudge-oj/usermanagement/internal/db"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var seedAdmin struct {
	name  string
	email string
}

// seedAdminCmd represents the seed-admin command
var seedAdminCmd = &cobra.Command{
	Use:   "seed-admin",
	Short: "Create or promote an administrator account",
	Long: `Creates an administrator account in the postgres store, or promotes the
account that already uses the email. The password of a new account is read
from ADMIN_PASSWORD. Usage:

	ADMIN_PASSWORD=... usermanagement seed-admin --email root@example.com --name Root
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedAdmin.email == "" {
			return errors.New("--email is required")
		}
		cfg := config.LoadConfig()
		logger := logging.New(cfg.Log)

		conn, err := db.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		users := services.NewUserService(store.NewUserRepository(conn), store.NewRoleRepository(conn), services.UserServiceOptions{
			Logger: logger,
		})
		user, created, err := users.EnsureAdmin(cmd.Context(), services.RegisterInput{
			FullName: seedAdmin.name,
			Email:    seedAdmin.email,
			Password: os.Getenv("ADMIN_PASSWORD"),
		})
		if err != nil {
			return err
		}

		entry := logger.WithFields(logrus.Fields{"user_id": user.ID, "email": user.Email})
		if created {
			entry.Info("administrator created")
		} else {
			entry.Info("administrator ensured")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedAdminCmd)

	seedAdminCmd.Flags().StringVar(&seedAdmin.email, "email", "", "administrator email")
	seedAdminCmd.Flags().StringVar(&seedAdmin.name, "name", "Administrator", "administrator full name")
}
