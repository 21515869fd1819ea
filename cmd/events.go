/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jjudge-oj/usermanagement/config"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/mq"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect user events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log user events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.New(cfg.Log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer broker.Close()

		logger.WithFields(logrus.Fields{"backend": broker.Name(), "channel": cfg.MQ.UserChannel}).Info("tailing user events")
		err = broker.Subscribe(ctx, cfg.MQ.UserChannel, func(ctx context.Context, msg mq.Message) error {
			var event services.UserEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				logger.WithError(err).WithField("message_id", msg.ID).Warn("undecodable event")
				return nil
			}
			logger.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"type":       event.Type,
				"user_id":    event.UserID,
				"email":      event.Email,
				"at":         event.At,
			}).Info("user event")
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
