package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func main() {
	cfg := app.FromEnv()
	app.ConfigureLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := version.Current()
	log.WithFields(log.Fields{
		"version":         build.Version,
		"commit":          build.Commit,
		"http_addr":       cfg.HTTPAddr,
		"metrics_addr":    cfg.MetricsAddr,
		"storage_driver":  cfg.StorageDriver,
		"catalog_url":     cfg.CatalogURL,
		"kafka_enabled":   len(cfg.Brokers()) > 0,
		"quantity_policy": cfg.MaxQuantityPolicy,
	}).Info("запускаем storefront")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("storefront завершился с ошибкой")
	}

	log.Info("storefront остановлен")
}
