package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/envmon/envmon/internal/cloud"
	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/database"
	httpHandlers "github.com/envmon/envmon/internal/http"
	"github.com/envmon/envmon/internal/queue"
	"github.com/envmon/envmon/internal/service"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	config.SetupLogging("api")

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr()})
	defer rdb.Close()

	opts := service.Options{
		Events:                   queue.NewPublisher(rdb, config.QueueSettings().Stream),
		DefaultAckNotifyInterval: config.DefaultAckNotifyInterval(),
		Logger:                   log.Logger,
	}
	if config.UseCloudServices() {
		clients, err := cloud.NewClients(context.Background(), config.AWSRegion(), config.SNSTopicArn(), config.NotificationsTable(), config.S3Bucket())
		if err != nil {
			log.Fatal().Err(err).Msg("aws init failed")
		}
		opts.Cloud = clients
	}

	svcs := service.New(db, opts)
	app := fiber.New()
	httpHandlers.Register(app, httpHandlers.FromServices(svcs, log.Logger))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		_ = app.Shutdown()
	}()

	addr := config.APIAddr()
	log.Info().Str("addr", addr).Bool("cloud", opts.Cloud != nil).Msg("api listening")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server exit")
	}
}
