package main

import (
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/telemetry"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	config.SetupLogging("simulator")
	sim := config.SimulationSettings()

	opts := mqtt.NewClientOptions().AddBroker(config.MQTTBroker())
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	topic := telemetry.Topic(sim.DeviceUID)
	for i := 0; i < sim.Count; i++ {
		payload, err := telemetry.Payload(sim.Vendor, sim.DeviceUID, telemetry.RandomSample(rng, time.Now()))
		if err != nil {
			log.Fatal().Err(err).Msg("payload")
		}
		token := client.Publish(topic, 1, false, payload)
		if token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("publish failed")
		}
		time.Sleep(sim.Interval)
	}
	log.Info().Int("count", sim.Count).Str("vendor", sim.Vendor).Msg("simulation done")
}
