package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"kisaki/internal/config"
	"kisaki/internal/events"
	"kisaki/internal/logging"
	"kisaki/internal/settings"
	"kisaki/internal/surface"
)

const remoteTimeout = 10 * time.Second

// dialHost opens a control connection to the running host. It is not a
// surface, so it never consumes messages queued for the first window.
func dialHost(ctx context.Context, cfg *config.Config) (*surface.Client, error) {
	return surface.Dial(ctx, cfg.IPC.URL(), surface.ClientConfig{
		Logger:      logging.NewNop(),
		DialTimeout: remoteTimeout,
		Role:        surface.RoleCLI,
	})
}

func invokeHost(ctx context.Context, cfg *config.Config, channel string, args ...any) (json.RawMessage, error) {
	client, err := dialHost(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Invoke(ctx, channel, args...)
}

// parseArgs treats each argument as JSON, falling back to a plain string.
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, a := range raw {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		out = append(out, a)
	}
	return out
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func emitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emit [event] [args...]",
		Short: "Emit an event to the running host",
		Long:  "Host listeners receive the event; other surfaces do not. Arguments are parsed as JSON when valid, otherwise sent as strings.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()

			client, err := dialHost(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			svc := events.New(events.Config{Bridge: client, Logger: logger})
			if err := svc.Emit(args[0], parseArgs(args[1:])...); err != nil {
				return err
			}
			logger.Info("event emitted", "event", args[0], "args", len(args)-1)
			return nil
		},
	}
}

func invokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke [channel] [args...]",
		Short: "Call a request handler on the running host and print the reply",
		Long:  "Arguments are parsed as JSON when valid, otherwise sent as strings.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.IPC.InvokeTimeout()+remoteTimeout)
			defer cancel()
			raw, err := invokeHost(ctx, cfg, args[0], parseArgs(args[1:])...)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write persisted settings",
		Long:  "Goes through the running host when one is reachable so surfaces see the change; otherwise edits the settings database directly.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Get a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd.Context(), "settings:get", args, func(ctx context.Context, s *settings.Store) error {
				value, ok, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("setting %q is not set", args[0])
				}
				fmt.Println(value)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd.Context(), "settings:set", args, func(ctx context.Context, s *settings.Store) error {
				return s.Set(ctx, args[0], args[1])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd.Context(), "settings:all", nil, func(ctx context.Context, s *settings.Store) error {
				all, err := s.All(ctx)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%s = %s\n", k, all[k])
				}
				return nil
			})
		},
	})

	return cmd
}

// withSettings runs channel on the host, or local against the settings
// database when no host answers.
func withSettings(ctx context.Context, channel string, args []string, local func(context.Context, *settings.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	client, err := dialHost(callCtx, cfg)
	if err == nil {
		defer client.Close()
		callArgs := make([]any, len(args))
		for i, a := range args {
			callArgs[i] = a
		}
		raw, err := client.Invoke(callCtx, channel, callArgs...)
		if err != nil {
			return err
		}
		return printJSON(raw)
	}

	logger.Debug("host not reachable, using settings database", "error", err)
	store, err := settings.Open(cfg.Settings.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return local(ctx, store)
}
