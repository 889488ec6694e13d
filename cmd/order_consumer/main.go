package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/tumbleweedd/order_outbox/internal/config"
	"github.com/tumbleweedd/order_outbox/internal/consumer/dedup"
	"github.com/tumbleweedd/order_outbox/internal/consumer/kafka"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

// A sample downstream service: it reads order events from the Kafka topic the
// relay publishes to and drops redeliveries by event id.
func main() {
	cfg := config.InitConfig()

	log := logger.SetupLogger(cfg.Env)

	if cfg.Broker.Kind != config.BrokerKafka {
		panic(fmt.Sprintf("order_consumer reads from kafka, broker.kind is %q", cfg.Broker.Kind))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.Broker.Kafka.ClientID
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = false

	group, err := sarama.NewConsumerGroup(cfg.Broker.Kafka.BrokerList, cfg.Broker.Kafka.GroupID, saramaCfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create consumer group: %v", err))
	}

	consumer := dedup.New(log, cfg.Consumer.DedupSize, cfg.Consumer.DedupTTL, kafka.LogOrderCreated(log))
	handler := kafka.NewGroupHandler(log, consumer)

	runErr := kafka.Run(ctx, log, group, []string{cfg.Broker.Kafka.Topic}, handler)
	if runErr != nil {
		log.Error("consumer failed", logger.Err(runErr))
	}

	if err = group.Close(); err != nil {
		panic(fmt.Sprintf("failed to close consumer group: %v", err))
	}

	if runErr != nil {
		os.Exit(1)
	}
}
