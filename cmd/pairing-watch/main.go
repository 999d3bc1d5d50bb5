// Command pairing-watch issues an activation code for a kiosk and blocks
// until a device redeems it or the code expires. It is the operator-side
// counterpart of the kiosk display.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/notifier"
)

type watchConfig struct {
	BaseURL  string `env:"PAIRING_URL" envDefault:"http://localhost:8080"`
	Token    string `env:"PAIRING_TOKEN,required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	kioskID := flag.String("kiosk", "", "kiosk id; the server generates one when empty")
	flag.Parse()

	var cfg watchConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := notifier.NewClient(cfg.BaseURL, cfg.Token)

	waiting, err := client.IssueCodeWithRetry(ctx, *kioskID)
	if err != nil {
		var apiErr *notifier.APIError
		if errors.As(err, &apiErr) && apiErr.Terminal() {
			log.Error().Err(err).Msg("activation code request rejected")
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("failed to issue activation code")
	}
	log.Info().
		Str("kioskId", waiting.KioskID).
		Str("code", waiting.Code).
		Time("expiresAt", waiting.ExpiresAt).
		Msg("waiting for device")

	watcher := client.NewWatcher(notifier.Options{})
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		for s := range watcher.OnChange() {
			log.Debug().Str("phase", string(s.Phase)).Str("via", s.Via).Msg("state changed")
		}
	}()

	final, err := watcher.Watch(ctx, waiting)
	watcher.Close()
	<-logged
	if err != nil {
		log.Fatal().Err(err).Msg("watch aborted")
	}

	_ = json.NewEncoder(os.Stdout).Encode(final)
	if final.Phase != notifier.PhasePaired {
		os.Exit(2)
	}
}
