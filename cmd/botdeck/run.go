package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jdelaire/botdeck/adapters/telegram_api"
	"github.com/jdelaire/botdeck/adapters/webui"
	"github.com/jdelaire/botdeck/core"
	"github.com/jdelaire/botdeck/core/configwatch"
	"github.com/jdelaire/botdeck/core/policy"
	"github.com/jdelaire/botdeck/internal/keychain"
	"github.com/jdelaire/botdeck/internal/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the session engine and serve the control socket",
		Long: `Run starts the engine and listens on the control socket. When a token is
configured (telegram.token, BOTDECK_TELEGRAM_TOKEN or the keychain) the session
is activated immediately; otherwise use "botdeck activate".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}

	cmd.Flags().String("base-url", "", "Telegram Bot API base URL.")
	cmd.Flags().Duration("poll-timeout", 0, "Long-poll timeout sent to getUpdates.")
	cmd.Flags().StringSlice("allowed-chat", nil, "Only record these chat IDs (repeatable).")
	cmd.Flags().String("listen", "", "Address of the browser bridge, e.g. 127.0.0.1:8790 (empty disables it).")
	cmd.Flags().String("keychain-account", "", "Keychain account holding the bot token.")

	_ = viper.BindPFlag("telegram.base_url", cmd.Flags().Lookup("base-url"))
	_ = viper.BindPFlag("telegram.poll_timeout", cmd.Flags().Lookup("poll-timeout"))
	_ = viper.BindPFlag("telegram.allowed_chats", cmd.Flags().Lookup("allowed-chat"))
	_ = viper.BindPFlag("webui.listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("keychain.account", cmd.Flags().Lookup("keychain-account"))

	return cmd
}

func runEngine(parent context.Context) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}

	allowed, err := parseChatIDs(viper.GetStringSlice("telegram.allowed_chats"))
	if err != nil {
		return err
	}

	client := telegram_api.New(logger.With("component", "telegram")).
		WithPollTimeout(viper.GetDuration("telegram.poll_timeout"))
	if base := strings.TrimSpace(viper.GetString("telegram.base_url")); base != "" {
		client.WithBaseURL(base)
	}

	pol := policy.New(allowed)
	router := core.NewRouter(pol, logger.With("component", "router"))
	sess := core.NewSession(client, router, logger.With("component", "session")).
		WithBackoff(viper.GetDuration("telegram.backoff_min"), viper.GetDuration("telegram.backoff_max"))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := core.NewServer(socketPath(), sess, logger.With("component", "control"))
	if err := srv.Start(ctx); err != nil {
		sess.Close()
		return fmt.Errorf("start control socket: %w", err)
	}

	if path := viper.ConfigFileUsed(); path != "" {
		reloader := core.NewReloader(pol, loadAllowlist, allowed, logger.With("component", "reload"))
		watcher := configwatch.New(viper.GetDuration("config.watch_interval"), logger.With("component", "configwatch"))
		watcher.Watch(path, reloader.Reload)
		go watcher.Run(ctx)
	}

	var hub *webui.Hub
	if listen := strings.TrimSpace(viper.GetString("webui.listen")); listen != "" {
		hub = webui.New(sess, logger.With("component", "webui"))
		go hub.Run(ctx)
		go func() {
			if err := hub.ListenAndServe(ctx, listen); err != nil {
				logger.Error("web bridge stopped", "error", err)
				stop()
			}
		}()
	}

	signalsDone := make(chan struct{})
	go func() {
		defer close(signalsDone)
		for sig := range sess.Signals() {
			logSignal(logger, sig)
			if hub != nil {
				hub.PublishSignal(sig)
			}
		}
	}()

	if token, err := resolveToken(); err != nil {
		logger.Warn("no startup token", "error", err)
	} else if token != "" {
		if err := sess.Activate(ctx, token); err != nil {
			logger.Warn("startup activation failed", "error", core.DisplayMessage(err))
		}
	} else {
		logger.Info("waiting for activation", "socket", socketPath())
	}

	<-ctx.Done()
	logger.Info("shutting down")

	srv.Shutdown()
	sess.Close()
	<-signalsDone
	return nil
}

// resolveToken returns the configured token, falling back to the keychain
// when keychain.account is set. An empty token with a nil error means none
// is configured.
func resolveToken() (string, error) {
	if token := strings.TrimSpace(viper.GetString("telegram.token")); token != "" {
		return token, nil
	}
	account := strings.TrimSpace(viper.GetString("keychain.account"))
	if account == "" {
		return "", nil
	}
	token, err := keychain.Get(account)
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return "", fmt.Errorf("%w (store it under service %q)", err, keychain.Service())
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func logSignal(logger *slog.Logger, sig core.Signal) {
	switch sig.Type {
	case core.SignalConnected:
		name := ""
		if sig.Account != nil {
			name = sig.Account.DisplayName()
		}
		logger.Info("connected", "bot", name, "generation", sig.Generation)
	case core.SignalConnectionFailed:
		logger.Warn("connection failed", "message", sig.Message, "generation", sig.Generation)
	case core.SignalDisconnected:
		logger.Info("disconnected", "generation", sig.Generation)
	}
}

func loadAllowlist() ([]int64, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseChatIDs(viper.GetStringSlice("telegram.allowed_chats"))
}

func parseChatIDs(values []string) ([]int64, error) {
	var ids []int64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid chat id %q: %w", part, err)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
