package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/state"
	"github.com/haasonsaas/relay/pkg/models"
)

func buildDispatchCmd(configPath *string) *cobra.Command {
	var (
		source        string
		eventType     string
		payloadJSON   string
		correlationID string
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one event into the pipeline",
		Long: "Dispatch normalizes and enqueues a single event. With a durable " +
			"queue configured, a running serve process picks it up; the local " +
			"driver has no cross-process delivery, so dispatch only validates " +
			"and prints the event id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			stateStore, err := state.NewSQLiteStore(filepath.Join(cfg.DataDir, "state.db"))
			if err != nil {
				return err
			}
			defer stateStore.Close()

			queueStore, err := openQueueStore(cfg)
			if err != nil {
				return err
			}

			opts := []dispatch.Option{
				dispatch.WithDedupWindow(cache.NewWindow(cache.Options{
					TTL:     cfg.DedupTTL(),
					MaxSize: cfg.Dedup.MaxEntries,
				})),
			}
			if queueStore != nil {
				defer queueStore.Close()
				opts = append(opts, dispatch.WithQueue(queueStore))
			}
			dispatcher := dispatch.New(stateStore, opts...)

			id, err := dispatcher.Dispatch(cmd.Context(), models.RawInput{
				Source:  models.EventSource(source),
				Type:    eventType,
				Payload: payload,
			}, models.DispatchOptions{CorrelationID: correlationID})
			if err != nil {
				return err
			}

			dispatcher.Wait()
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "api", "event source (api, slack, scheduler, integration, internal)")
	cmd.Flags().StringVar(&eventType, "type", models.TypeMessageSent, "event type")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload as JSON")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "reuse this id across retries of the same logical event")
	return cmd
}

func buildKillCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "kill on|off",
		Short:     "Flip the shared kill switch",
		Long:      "When the switch is on, every relay process skips event handling. Skipped events are dropped, not queued for later.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "on" && args[0] != "off" {
				return fmt.Errorf("argument must be on or off, got %q", args[0])
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := state.NewSQLiteStore(filepath.Join(cfg.DataDir, "state.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			on := args[0] == "on"
			if err := store.SetKillSwitch(cmd.Context(), on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kill switch %s\n", args[0])
			return nil
		},
	}
}

func buildReloadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <scope>",
		Short: "Raise a reload flag for running processes",
		Long: "Scopes: schedule, mcp, channels. Watching processes observe the " +
			"flag within their poll interval and rebuild the matching state.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{state.ScopeSchedule, state.ScopeMCP, state.ScopeChannels},
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := args[0]
			switch scope {
			case state.ScopeSchedule, state.ScopeMCP, state.ScopeChannels:
			default:
				return fmt.Errorf("unknown reload scope %q", scope)
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := state.NewSQLiteStore(filepath.Join(cfg.DataDir, "state.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetFlag(cmd.Context(), scope); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reload flag raised for %s\n", scope)
			return nil
		},
	}
}
