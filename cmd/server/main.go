package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Caesarsage/chatroom/internal/admin"
	"github.com/Caesarsage/chatroom/internal/ai"
	"github.com/Caesarsage/chatroom/internal/auth"
	"github.com/Caesarsage/chatroom/internal/chatroom"
	"github.com/Caesarsage/chatroom/internal/config"
	"github.com/Caesarsage/chatroom/internal/logger"
	"github.com/Caesarsage/chatroom/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	config.SetServerDefaults(v)

	var configFile string
	cmd := &cobra.Command{
		Use:           "chatroom-server",
		Short:         "Multi-room TCP chat server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (toml, yaml or json)")
	flags.String("addr", v.GetString("addr"), "chat listen address")
	flags.String("admin-addr", v.GetString("admin_addr"), "admin HTTP address, empty disables it")
	flags.String("env", v.GetString("env"), "development or production")
	flags.String("log-level", v.GetString("log_level"), "debug, info, warn or error")
	flags.String("store-driver", v.GetString("store.driver"), "file, sqlite, sqlite3, postgres or redis")
	flags.String("ai-provider", v.GetString("ai.provider"), "none, ollama, openai or anthropic")
	bindFlags(v, flags, map[string]string{
		"addr":         "addr",
		"admin-addr":   "admin_addr",
		"env":          "env",
		"log-level":    "log_level",
		"store-driver": "store.driver",
		"ai-provider":  "ai.provider",
	})

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func run(ctx context.Context, cfg *config.Server) error {
	log := logger.New(logger.Options{Env: cfg.Env, Level: cfg.LogLevel})

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store opened")

	snapshots, err := st.LoadRooms(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load rooms")
		return err
	}

	gen, err := ai.NewFromConfig(cfg.AI)
	if err != nil {
		log.Error().Err(err).Msg("failed to configure ai provider")
		return err
	}

	persist := store.NewAsync(st, cfg.Store.QueueSize, logger.Component(log, "persist"))
	defer persist.Close()

	dir := chatroom.NewDirectory(chatroom.DirectoryOptions{
		Persister:   persist,
		Generator:   gen,
		AIQueueSize: cfg.AI.QueueSize,
		Logger:      logger.Component(log, "rooms"),
	})
	defer dir.Close()
	restored := dir.Restore(snapshots)
	log.Info().Int("rooms", restored).Str("ai_provider", cfg.AI.Provider).Msg("rooms restored")

	reg := chatroom.NewRegistry(chatroom.RegistryOptions{
		LivenessTimeout: cfg.Session.LivenessTimeout,
		TokenTTL:        cfg.Session.TokenTTL,
		Logger:          logger.Component(log, "sessions"),
	})

	h := chatroom.NewHandler(dir, reg, auth.NewService(st, cfg.BcryptCost), chatroom.HandlerOptions{
		MaxLineBytes:  cfg.Limits.MaxLineBytes,
		MsgRate:       cfg.Limits.MsgRate,
		MsgBurst:      cfg.Limits.MsgBurst,
		OutgoingQueue: cfg.Limits.OutgoingQueue,
		AuthTimeout:   cfg.Limits.AuthTimeout,
	}, logger.Component(log, "conn"))

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr).Msg("failed to bind")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return chatroom.NewServer(h, logger.Component(log, "server")).Serve(gctx, ln)
	})
	g.Go(func() error {
		return reg.Run(gctx, cfg.Session.SweepInterval)
	})
	if fs, ok := st.(*store.FileStore); ok {
		g.Go(func() error {
			return fs.RunCompaction(gctx, cfg.Store.CompactInterval, logger.Component(log, "store"))
		})
	}
	if cfg.AdminAddr != "" {
		g.Go(func() error {
			router := admin.NewRouter(logger.Component(log, "admin"), st, dir, reg)
			return admin.Serve(gctx, cfg.AdminAddr, router, logger.Component(log, "admin"))
		})
	}

	err = g.Wait()
	logShutdown(log, err)
	return err
}

func logShutdown(log zerolog.Logger, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("shutting down")
}
