package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/relaynet/internal/admin"
	"github.com/danmuck/relaynet/internal/config"
	"github.com/danmuck/relaynet/internal/dispatch"
	"github.com/danmuck/relaynet/internal/logging"
	"github.com/danmuck/relaynet/internal/node"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "nodectl",
		Short:        "Run a relaynet Node attached to one Station",
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
	cmd.PersistentFlags().String("config", "", "Path to node TOML config")
	cmd.PersistentFlags().String("log-level", "", "Log level: trace|debug|info|warn|error")
	cmd.Flags().String("id", "", "Override the node id")
	cmd.Flags().String("upstream", "", "Override the Station address")

	cmd.AddCommand(newInitCmd())
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter node config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "node", force); err != nil {
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
	if v, _ := cmd.Flags().GetString("id"); strings.TrimSpace(v) != "" {
		cfg.Node.ID = strings.TrimSpace(v)
	}
	if v, _ := cmd.Flags().GetString("upstream"); strings.TrimSpace(v) != "" {
		cfg.Node.UpstreamAddr = strings.TrimSpace(v)
	}
	return cfg, nil
}

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
	n, err := node.New(cfg.Node, log)
	if err != nil {
		return err
	}
	defer n.Close()

	registerHandlers(n)
	n.OnExpired(func(p session.Pending, err error) {
		log.Warn().Err(err).Str("key", p.Message.Key).Str("to", p.Message.To).Msg("send expired")
	})

	if err := n.Start(ctx); err != nil {
		return err
	}
	heartbeat := protocol.Message{Key: protocol.KeyHeartbeat, Flags: protocol.FlagQuiet}
	if err := n.Repeat(heartbeat, n.Config().HeartbeatInterval); err != nil {
		return err
	}
	if cfg.PingInterval > 0 {
		go pingLoop(ctx, n, cfg.PingInterval)
	}

	adminErr := make(chan error, 1)
	if cfg.Admin.ListenAddr != "" {
		router := admin.NewRouter(n, admin.Options{
			Status:      func() any { return n.Status() },
			Send:        n.Send,
			CORSOrigins: cfg.Admin.CORSOrigins,
			Auth:        cfg.Admin.Validator(),
		}, log)
		go func() {
			adminErr <- admin.Serve(ctx, cfg.Admin.ListenAddr, router, log)
		}()
	}

	select {
	case <-n.Done():
		return n.Wait()
	case err := <-adminErr:
		if err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		return n.Wait()
	case <-ctx.Done():
		log := n.Logger()
		log.Info().Msg("shutting down")
		return nil
	}
}

// registerHandlers answers PING with PONG, logs PONG round trips and
// replies to STATUS with a JSON STATUS_REPORT.
func registerHandlers(n *node.Node) {
	log := n.Logger()
	_ = n.Handle("STATUS", func(_ context.Context, msg protocol.Message) error {
		report, err := dispatch.EncodeJSON(n.Status())
		if err != nil {
			return err
		}
		return n.Send(msg.Sender, "STATUS_REPORT", report, 0)
	})
	_ = n.Handle("PING", func(_ context.Context, msg protocol.Message) error {
		return n.Send(msg.Sender, "PONG", msg.Value, 0)
	})
	_ = n.Handle("PONG", func(_ context.Context, msg protocol.Message) error {
		ev := log.Info().Str("from", msg.Sender)
		if sent, err := time.Parse(time.RFC3339Nano, string(msg.Value)); err == nil {
			ev = ev.Dur("rtt", time.Since(sent))
		}
		ev.Msg("pong")
		return nil
	})
}

func pingLoop(ctx context.Context, n *node.Node, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.Done():
			return
		case now := <-ticker.C:
			if err := n.Send("", "PING", []byte(now.Format(time.RFC3339Nano)), 0); err != nil {
				log := n.Logger()
				log.Warn().Err(err).Msg("ping failed")
			}
		}
	}
}
