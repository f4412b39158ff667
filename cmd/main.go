package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"fenrir/internal/bus"
	"fenrir/internal/config"
	"fenrir/internal/dispatch"
	"fenrir/internal/gateway"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg := config.FromEnv()
	b := bus.New()
	defer b.Close()

	eng := dispatch.New(cfg, b)
	gw := gateway.New(cfg.ListenAddr, cfg.ListenPort, b)

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dispatch: run exited with error")
			stop()
		}
	}()

	go func() {
		if err := gw.Run(ctx); err != nil {
			log.Error().Err(err).Msg("gateway: run exited with error")
			stop()
		}
	}()

	<-ctx.Done()
	gw.Shutdown()
	log.Info().Msg("fenrir: shutting down")
}
