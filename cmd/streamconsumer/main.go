package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"streamkit/consumer"
	"streamkit/internal/logging"
	"streamkit/internal/telemetry"
)

func main() {
	logging.InitFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("STREAMKIT_CONFIG")
	cfg, err := consumer.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	telemetry.Expose(9100)

	c, err := consumer.New(cfg, consumer.WithDiagnostics(consumer.NewMetricsSink(cfg.GroupID)))
	if err != nil {
		log.Fatalf("new consumer: %v", err)
	}
	defer c.Close()

	sub := consumer.TopicsSubscription(os.Args[1:]...)
	if err := c.Subscribe(ctx, sub, consumer.AutoOffsetRetrieval(consumer.ResetEarliest)); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	err = c.ProcessAndCommit(ctx, nil, nil, func(key, value any) error {
		fmt.Printf("key=%v value=%v\n", key, value)
		return nil
	}, consumer.DefaultRetryPolicy())
	if err != nil && ctx.Err() == nil {
		log.Fatalf("process: %v", err)
	}

	c.StopConsumption()
	logging.L().Info("streamconsumer: shutting down")
}
