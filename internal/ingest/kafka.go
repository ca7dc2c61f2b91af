package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"cooldownd/internal/command"
	"cooldownd/internal/config"
)

// StartKafka consumes JSON commands from the configured topic and forwards
// them to out. It returns immediately; consumption stops with ctx.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- command.Command, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 0) {
					return
				}
				continue
			}
			cmd, err := Decode(m.Key, m.Value, cfg.Get())
			if err != nil {
				if logger != nil {
					logger.Warn("kafka command rejected", "err", err, "offset", m.Offset, "partition", m.Partition)
				}
				continue
			}
			SendNonBlocking(ctx, out, cmd, logger)
		}
	}()
}

// Decode parses one JSON command message. The message key is used as the
// actor when the body carries none.
func Decode(key, value []byte, cfg *config.Config) (command.Command, error) {
	fields, err := command.ParseJSONBytes(value)
	if err != nil {
		return command.Command{}, err
	}
	if fields.Actor == "" {
		fields.Actor = string(key)
	}
	return command.Normalize(*fields, cfg)
}
