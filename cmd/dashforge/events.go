package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/mohammad-safakhou/dashforge/internal/queue/streams"
	"github.com/mohammad-safakhou/dashforge/repository/redis_repository"
	"github.com/spf13/cobra"
)

func eventsCMD(cfgPath *string) *cobra.Command {
	var group, name string

	var events = &cobra.Command{
		Use:   "events",
		Short: "Follow generation events published on the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Redis.Enabled() {
				return errors.New("redis not configured (storage.redis.host)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client, err := redis_repository.Conn(ctx, cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, 5*time.Second)
			if err != nil {
				return err
			}
			defer client.Close()

			stream := cfg.Storage.Redis.Stream
			if err := streams.EnsureGroup(ctx, client, stream, group); err != nil {
				return err
			}
			registry, err := streams.NewBaseRegistry()
			if err != nil {
				return err
			}
			consumer := streams.NewConsumer(client, registry, group, name)
			out := cmd.OutOrStdout()
			return consumer.Follow(ctx, stream, func(m streams.Message) error {
				_, err := fmt.Fprintln(out, describeEvent(m))
				return err
			}, streams.WithBlock(5*time.Second), streams.WithCount(50))
		},
	}
	hostname, _ := os.Hostname()
	events.Flags().StringVar(&group, "group", "dashforge-cli", "consumer group")
	events.Flags().StringVar(&name, "name", "cli-"+hostname, "consumer name")

	return events
}

func describeEvent(m streams.Message) string {
	at := m.Envelope.OccurredAt.Format(time.RFC3339)
	switch {
	case m.Stage != nil:
		line := fmt.Sprintf("%s %s %-9s %s", at, m.Stage.GenerationID, m.Stage.Stage, m.Stage.Status)
		if m.Stage.Message != "" {
			line += ": " + m.Stage.Message
		}
		return line
	case m.Finished != nil:
		line := fmt.Sprintf("%s %s finished %s after %d iteration(s)", at, m.Finished.GenerationID, m.Finished.Status, m.Finished.Iterations)
		if m.Finished.Error != "" {
			line += ": " + m.Finished.Error
		} else if m.Finished.OutputPath != "" {
			line += " -> " + m.Finished.OutputPath
		}
		return line
	}
	return fmt.Sprintf("%s %s %s", at, m.Envelope.EventType, m.Envelope.GenerationID)
}
