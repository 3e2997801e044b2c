package main

import (
	"time"

	"github.com/jdelaire/botdeck/adapters/telegram_api"
	"github.com/jdelaire/botdeck/core/backoff"
	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Telegram
	viper.SetDefault("telegram.base_url", telegram_api.DefaultBaseURL)
	viper.SetDefault("telegram.token", "")
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.backoff_min", backoff.DefaultMin)
	viper.SetDefault("telegram.backoff_max", backoff.DefaultMax)
	viper.SetDefault("telegram.allowed_chats", []string{})

	// Local surfaces
	viper.SetDefault("control.socket", "~/.botdeck/botdeck.sock")
	viper.SetDefault("webui.listen", "")

	viper.SetDefault("config.watch_interval", 2*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("keychain.account", "")
}
