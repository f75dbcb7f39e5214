package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/envmon/envmon/internal/cloud"
	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/database"
	"github.com/envmon/envmon/internal/queue"
	"github.com/envmon/envmon/internal/service"
	"github.com/envmon/envmon/internal/telemetry"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	config.SetupLogging("ingestor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr()})
	defer rdb.Close()

	opts := service.Options{
		Events: queue.NewPublisher(rdb, config.QueueSettings().Stream),
		Logger: log.Logger,
	}
	if config.UseCloudServices() {
		clients, err := cloud.NewClients(ctx, config.AWSRegion(), config.SNSTopicArn(), config.NotificationsTable(), config.S3Bucket())
		if err != nil {
			log.Fatal().Err(err).Msg("aws init failed")
		}
		opts.Cloud = clients
	}
	svcs := service.New(db, opts)
	sub := telemetry.NewSubscriber(svcs.Repos, svcs.Ingestion, log.Logger)

	mqttOpts := mqtt.NewClientOptions().AddBroker(config.MQTTBroker()).SetClientID("envmon-ingestor")
	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	topic := config.MQTTTopic()
	if token := client.Subscribe(topic, 1, sub.Handler(ctx)); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("subscribe failed")
	}

	log.Info().Str("topic", topic).Msg("ingestor running; Ctrl+C to stop")
	<-ctx.Done()
	log.Info().Msg("ingestor stopped")
}
