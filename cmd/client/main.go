package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Caesarsage/chatroom/internal/client"
	"github.com/Caesarsage/chatroom/internal/config"
	"github.com/Caesarsage/chatroom/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	config.SetClientDefaults(v)

	var configFile string
	cmd := &cobra.Command{
		Use:           "chatroom [user] [password]",
		Short:         "Interactive client for the chat server",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				v.Set("user", args[0])
			}
			if len(args) > 1 {
				v.Set("password", args[1])
			}
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			cfg, err := config.LoadClient(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (toml, yaml or json)")
	flags.String("addr", v.GetString("addr"), "server address")
	flags.StringP("user", "u", "", "username")
	flags.StringP("password", "p", "", "password")
	flags.String("log-level", v.GetString("log_level"), "debug, info, warn or error")
	flags.Int("max-retries", v.GetInt("max_retries"), "reconnect attempts before giving up")
	bindFlags(v, flags, map[string]string{
		"addr":        "addr",
		"user":        "user",
		"password":    "password",
		"log-level":   "log_level",
		"max-retries": "max_retries",
	})

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func run(cfg *config.Client) error {
	log := logger.New(logger.Options{Level: cfg.LogLevel, Out: os.Stderr})

	// Lines from the listener and from the console must not interleave.
	var outMu sync.Mutex
	emit := func(s string) {
		outMu.Lock()
		fmt.Println(s)
		outMu.Unlock()
	}

	opts := client.OptionsFromConfig(cfg)
	opts.Logger = logger.Component(log, "client")
	opts.OnLine = func(line string) {
		emit(client.Render(line, cfg.User))
	}
	opts.OnFatal = func(err error) {
		emit(client.Render("ERROR "+err.Error(), cfg.User))
		os.Exit(1)
	}

	m := client.NewManager(opts)
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Close()

	emit(client.Help)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line, err := client.Translate(sc.Text())
		switch {
		case errors.Is(err, client.ErrQuit):
			return nil
		case errors.Is(err, client.ErrHelp):
			emit(client.Help)
			continue
		case err != nil:
			emit(client.Render("ERROR "+err.Error(), cfg.User))
			continue
		case line == "":
			continue
		}

		if err := m.Send(line); err != nil {
			emit(client.Render("ERROR "+err.Error(), cfg.User))
		}
	}
	return sc.Err()
}
