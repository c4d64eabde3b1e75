package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer writes marketwatch payloads to one topic. The writer is async with
// a short batch timeout so publication never stalls the monitor's event loop.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	return &Producer{writer: w}
}

// Publish marshals v to JSON and writes it keyed by the instrument pair.
func (p *Producer) Publish(ctx context.Context, pair string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: marshal payload: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(pair),
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
