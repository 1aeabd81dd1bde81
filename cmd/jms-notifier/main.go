package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/app"
	"github.com/vladislavdragonenkov/jms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/jms/internal/service/notify"
)

// config содержит настройки потребителя уведомлений, префикс JMS_.
type config struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Brokers     string `envconfig:"KAFKA_BROKERS" required:"true"`
	GroupID     string `envconfig:"NOTIFIER_GROUP" default:"jms-notifier"`
	Topics      string `envconfig:"NOTIFIER_TOPICS" default:"jms.reservation.events,jms.media.events"`
	MaxRetries  int    `envconfig:"NOTIFIER_MAX_RETRIES" default:"3"`
	DLQTopic    string `envconfig:"KAFKA_DLQ_TOPIC" default:"jms.dlq"`
	MetricsAddr string `envconfig:"NOTIFIER_METRICS_ADDR" default:":9091"`
}

func loadConfig(envFiles ...string) (config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	var cfg config
	if err := envconfig.Process("JMS", &cfg); err != nil {
		return config{}, err
	}
	if len(kafka.ParseBrokers(cfg.Brokers)) == 0 {
		return config{}, errors.New("JMS_KAFKA_BROKERS is empty")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config) error {
	logger := log.WithField("component", "jms-notifier")
	brokers := kafka.ParseBrokers(cfg.Brokers)
	topics := kafka.ParseBrokers(cfg.Topics)

	dlq, err := kafka.NewProducer(brokers)
	if err != nil {
		return fmt.Errorf("create dlq producer: %w", err)
	}
	defer dlq.Close()

	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(logger.WithField("notifier", "log")), logger)
	consumer, err := kafka.NewConsumer(brokers, cfg.GroupID, topics, dispatcher.Handle,
		kafka.WithDeadLetter(dlq, cfg.DLQTopic),
		kafka.WithMaxRetries(cfg.MaxRetries),
		kafka.WithConsumerLogger(logger.WithField("consumer", cfg.GroupID)),
	)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	logger.WithFields(log.Fields{"topics": topics, "group": cfg.GroupID}).Info("notifier started")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return consumer.Stop()
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	app.ConfigureLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("notifier stopped with error")
	}
	log.Info("notifier stopped")
}
