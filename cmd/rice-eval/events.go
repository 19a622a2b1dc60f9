package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events recorded in the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("log")
			if path == "" {
				path = cfg.Bus.EventLog
			}
			if path == "" {
				return errors.ConfigurationError("no event log configured (set bus.event_log or --log)")
			}
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")
			topic, _ := cmd.Flags().GetString("topic")

			el, err := bus.NewEventLogger(path, true)
			if err != nil {
				return err
			}
			defer func() { _ = el.Close() }()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			events, err := el.Events(from, 0)
			if err != nil {
				return err
			}

			listed := 0
			for _, e := range events {
				if topic != "" && e.Topic != topic {
					continue
				}
				if limit > 0 && listed >= limit {
					break
				}
				listed++
				fmt.Printf("%s  %-22s  %s\n", e.Timestamp.Format(time.RFC3339), e.Topic, e.Event.CorrelationID)
			}
			return nil
		},
	}

	cmd.Flags().String("log", "", "event log path (overrides config)")
	cmd.Flags().Duration("since", 0, "only events newer than this")
	cmd.Flags().Int("limit", 100, "maximum events listed")
	cmd.Flags().String("topic", "", "only events of this topic")

	return cmd
}
