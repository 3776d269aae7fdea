package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/relaynet/internal/admin"
	"github.com/danmuck/relaynet/internal/config"
	"github.com/danmuck/relaynet/internal/dispatch"
	"github.com/danmuck/relaynet/internal/logging"
	"github.com/danmuck/relaynet/internal/node"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/danmuck/relaynet/internal/station"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stationctl",
		Short:        "Run a relaynet Station hub",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			log, err := resolveLogger(cmd, cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.PersistentFlags().String("config", "", "Path to station TOML config")
	cmd.PersistentFlags().String("log-level", "", "Log level: trace|debug|info|warn|error")
	cmd.Flags().String("listen", "", "Override the child listen address")
	cmd.Flags().String("parent", "", "Override the parent Station address")

	cmd.AddCommand(newInitCmd())
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter station config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "station", force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func resolveConfig(cmd *cobra.Command) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		loaded, err := loadRuntimeConfig(path)
		if err != nil {
			return runtimeConfig{}, err
		}
		cfg = loaded
	}
	if v, _ := cmd.Flags().GetString("listen"); strings.TrimSpace(v) != "" {
		cfg.Station.ListenAddr = strings.TrimSpace(v)
	}
	if v, _ := cmd.Flags().GetString("parent"); strings.TrimSpace(v) != "" {
		cfg.Station.ParentAddr = strings.TrimSpace(v)
	}
	return cfg, nil
}

// resolveLogger applies --log-level over the config value; the process
// env overrides from internal/logging still apply underneath.
func resolveLogger(cmd *cobra.Command, configured string) (zerolog.Logger, error) {
	log := logging.ConfigureRuntime()
	raw := configured
	if v, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(v) != "" {
		raw = v
	}
	if strings.TrimSpace(raw) == "" {
		return log, nil
	}
	lvl, ok := logging.ParseLevel(raw)
	if !ok {
		return log, fmt.Errorf("invalid log level %q", raw)
	}
	return log.Level(lvl), nil
}

func run(ctx context.Context, cfg runtimeConfig, log zerolog.Logger) error {
	st, err := station.New(cfg.Station, log)
	if err != nil {
		return err
	}
	defer st.Close()

	registerHandlers(st)
	st.OnExpired(func(p session.Pending, err error) {
		log.Warn().Err(err).Str("route", p.Link).Str("key", p.Message.Key).Msg("push expired")
	})

	if err := st.Start(ctx); err != nil {
		return err
	}

	adminErr := make(chan error, 1)
	if cfg.Admin.ListenAddr != "" {
		router := admin.NewRouter(st, admin.Options{
			Status:      func() any { return st.Status() },
			Routes:      func() any { return st.Routes() },
			Send:        pushOrSend(st),
			CORSOrigins: cfg.Admin.CORSOrigins,
			Auth:        cfg.Admin.Validator(),
		}, log)
		go func() {
			adminErr <- admin.Serve(ctx, cfg.Admin.ListenAddr, router, log)
		}()
	}

	select {
	case <-st.Done():
		return st.Wait()
	case err := <-adminErr:
		if err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		return st.Wait()
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	}
}

// registerHandlers answers PING with PONG on the sender's route.
func registerHandlers(st *station.Station) {
	log := st.Logger()
	_ = st.Handle("PING", func(_ context.Context, msg protocol.Message) error {
		return st.Push(msg.Sender, "PONG", msg.Value, 0)
	})
	_ = st.Handle("PONG", func(_ context.Context, msg protocol.Message) error {
		log.Info().Str("from", msg.Sender).Str("value", string(msg.Value)).Msg("pong")
		return nil
	})
	_ = dispatch.HandleJSON(st.Table(), "STATUS_REPORT", func(_ context.Context, msg protocol.Message, report node.Status) error {
		log.Info().
			Str("from", msg.Sender).
			Bool("connected", report.Connected).
			Int("pending", report.Pending).
			Msg("status report")
		return nil
	})
}

// pushOrSend routes operator messages: "^" or empty goes to the parent,
// anything else is a push to a known route.
func pushOrSend(st *station.Station) admin.SendFunc {
	return func(to, key string, value []byte, flags protocol.Flags) error {
		if to == "" || to == protocol.ToUpstream {
			return st.Send(key, value, flags)
		}
		if to == protocol.ToBroadcast {
			_, err := st.Broadcast(key, value, flags)
			return err
		}
		return st.Push(to, key, value, flags)
	}
}
