package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/app"
	"github.com/vladislavdragonenkov/jms/internal/version"
)

// run загружает конфигурацию и держит сервис до отмены ctx.
func run(ctx context.Context, envFiles ...string) error {
	cfg, err := app.LoadConfig(envFiles...)
	if err != nil {
		return err
	}
	app.ConfigureLogging(cfg.LogLevel)

	log.WithFields(log.Fields{
		"env":          cfg.Env,
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"media_store":  cfg.MediaStore,
	}).Info("запускаем jms")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}
	log.WithField("version", version.GetVersion()).Info("jms остановлен")
}
