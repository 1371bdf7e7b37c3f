// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"lendex.org/lendex/server/account"
)

const (
	kafkaQueueSize    = 1024
	kafkaWriteTimeout = 10 * time.Second
)

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig is the configuration for a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher is a Notifier that publishes JSON events to a Kafka topic,
// keyed by account so that an account's events stay ordered within a
// partition. Events are queued and written by Run. When the queue is full,
// events are dropped.
type KafkaPublisher struct {
	writer  messageWriter
	queue   chan kafka.Message
	dropped atomic.Uint64
}

// NewKafkaPublisher creates a KafkaPublisher. Call Run to start publishing.
func NewKafkaPublisher(cfg *KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no kafka topic")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}), nil
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan kafka.Message, kafkaQueueSize),
	}
}

// Notify queues the event for publishing.
func (p *KafkaPublisher) Notify(aid account.AccountID, ev *Event) {
	msg, err := ev.Msg(aid)
	if err != nil {
		log.Errorf("Error encoding %s event %s: %v", ev.Route, ev.ID, err)
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Error encoding %s event %s: %v", ev.Route, ev.ID, err)
		return
	}
	km := kafka.Message{
		Key:   []byte(msg.Account),
		Value: b,
		Time:  ev.Stamp,
	}
	select {
	case p.queue <- km:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warnf("Kafka queue full. %d events dropped", n)
		}
	}
}

// Run publishes queued events until ctx is canceled, then flushes what is
// queued and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	write := func(msg kafka.Message) {
		wCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kafkaWriteTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(wCtx, msg); err != nil {
			log.Errorf("Error publishing event for account %s: %v", msg.Key, err)
		}
	}
	defer func() {
		for {
			select {
			case msg := <-p.queue:
				write(msg)
			default:
				if err := p.writer.Close(); err != nil {
					log.Errorf("Error closing kafka writer: %v", err)
				}
				return
			}
		}
	}()
	for {
		select {
		case msg := <-p.queue:
			write(msg)
		case <-ctx.Done():
			return
		}
	}
}
