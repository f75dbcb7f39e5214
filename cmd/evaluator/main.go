package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/envmon/envmon/internal/cloud"
	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/database"
	"github.com/envmon/envmon/internal/queue"
	"github.com/envmon/envmon/internal/service"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	config.SetupLogging("evaluator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr()})
	defer rdb.Close()

	settings := config.QueueSettings()
	opts := service.Options{
		Events:                   queue.NewPublisher(rdb, settings.Stream),
		DefaultAckNotifyInterval: config.DefaultAckNotifyInterval(),
		Logger:                   log.Logger,
	}
	if config.UseCloudServices() {
		clients, err := cloud.NewClients(ctx, config.AWSRegion(), config.SNSTopicArn(), config.NotificationsTable(), config.S3Bucket())
		if err != nil {
			log.Fatal().Err(err).Msg("aws init failed")
		}
		opts.Cloud = clients
	}
	svcs := service.New(db, opts)

	rc := config.ReconcileSettings()
	svcs.Reconciler.Grace = rc.Grace
	svcs.Reconciler.Batch = rc.Batch
	go svcs.Reconciler.Run(ctx, rc.Interval)

	consumer := queue.NewConsumer(rdb, settings, svcs.Evaluation, log.Logger)
	if err := consumer.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("consumer exit")
	}
	log.Info().Msg("evaluator stopped")
}
