// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package kafka carries recoverbus messages over Kafka topics using
// segmentio/kafka-go. A queue address maps to a topic; its consumer group reads
// it with manual commits.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Config configures the Kafka transport.
type Config struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	TopicPrefix  string        `mapstructure:"topicPrefix" yaml:"topicPrefix"`
	GroupID      string        `mapstructure:"groupId" yaml:"groupId"`
	BatchTimeout time.Duration `mapstructure:"batchTimeout" yaml:"batchTimeout"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout" yaml:"dialTimeout"`
	MaxWait      time.Duration `mapstructure:"maxWait" yaml:"maxWait"`
}

// DefaultConfig returns local defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"127.0.0.1:9092"},
		TopicPrefix:  "recoverbus.",
		GroupID:      "recoverbus",
		BatchTimeout: 10 * time.Millisecond,
		DialTimeout:  10 * time.Second,
		MaxWait:      500 * time.Millisecond,
	}
}

// Validate checks the settings the transport cannot run without.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return messaging.NewConfigError("kafka brokers are required")
	}
	if c.GroupID == "" {
		return messaging.NewConfigError("kafka groupId is required")
	}
	return nil
}

// Writer is the part of kafka.Writer the dispatcher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher implements messaging.Dispatcher on a kafka-go writer whose topic is
// left unset so each message names its own.
type Dispatcher struct {
	w           Writer
	topicPrefix string
}

// NewDispatcher creates a dispatcher writing to topicPrefix+destination.
func NewDispatcher(w Writer, topicPrefix string) *Dispatcher {
	return &Dispatcher{w: w, topicPrefix: topicPrefix}
}

// NewWriter builds the kafka-go writer for cfg. Topics are never auto-created so
// a missing queue surfaces as destination not found.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Transport:              &kafka.Transport{DialTimeout: cfg.DialTimeout},
	}
}

// Dispatch writes the batch in one call keyed by message id.
func (d *Dispatcher) Dispatch(ctx context.Context, ops messaging.TransportOperations) error {
	msgs := make([]kafka.Message, 0, len(ops))
	for _, op := range ops {
		dest := op.UnicastDestination()
		if dest == "" {
			return fmt.Errorf("kafka: operation for message %s has no unicast destination", op.Message.MessageID)
		}
		msgs = append(msgs, toKafkaMessage(d.topicPrefix+dest, op.Message))
	}
	if err := d.w.WriteMessages(ctx, msgs...); err != nil {
		if dest, ok := unknownTopic(err, ops); ok {
			return messaging.NewDestinationNotFoundError(dest, err)
		}
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// unknownTopic reports the destination of the first message rejected with
// UnknownTopicOrPartition.
func unknownTopic(err error, ops messaging.TransportOperations) (string, bool) {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for i, e := range writeErrs {
			if e != nil && errors.Is(e, kafka.UnknownTopicOrPartition) && i < len(ops) {
				return ops[i].UnicastDestination(), true
			}
		}
		return "", false
	}
	if errors.Is(err, kafka.UnknownTopicOrPartition) && len(ops) > 0 {
		return ops[0].UnicastDestination(), true
	}
	return "", false
}

func toKafkaMessage(topic string, msg *messaging.OutgoingMessage) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	headers = append(headers, kafka.Header{Key: messaging.HeaderMessageID, Value: []byte(msg.MessageID)})
	for k, v := range msg.Headers {
		if k == messaging.HeaderMessageID {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.MessageID),
		Value:   append([]byte(nil), msg.Body...),
		Headers: headers,
	}
}

func fromKafkaMessage(m kafka.Message) *messaging.IncomingMessage {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	id := headers[messaging.HeaderMessageID]
	if id == "" {
		id = string(m.Key)
	}
	return messaging.NewIncomingMessage(id, headers, m.Value)
}

// Reader is the part of kafka.Reader the receiver uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Receiver is a receive loop over one topic. Kafka has no per-message negative
// acknowledgement, so an aborted receive is delivered again in place before the
// offset is committed.
type Receiver struct {
	r       Reader
	address string
	logger  *zap.Logger
}

// NewReader builds the consumer group reader for address.
func NewReader(cfg Config, address string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.TopicPrefix + address,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        cfg.MaxWait,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		Dialer:         &kafka.Dialer{Timeout: cfg.DialTimeout, DualStack: true},
	})
}

// NewReceiver creates a receiver for address reading from r.
func NewReceiver(r Reader, address string, l *zap.Logger) *Receiver {
	if l == nil {
		l = logger.Named("kafka")
	}
	return &Receiver{r: r, address: address, logger: l}
}

// Address implements messaging.MessageSource.
func (r *Receiver) Address() string { return r.address }

// Run implements messaging.MessageSource.
func (r *Receiver) Run(ctx context.Context, onMessage messaging.OnMessage) error {
	for {
		m, err := r.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return messaging.NewConnectionError(fmt.Sprintf("fetch from %s failed", r.address), err)
		}

		for {
			if ctx.Err() != nil {
				return nil
			}
			rc := messaging.NewReceiveContext(fromKafkaMessage(m), r.address)
			if err := onMessage(ctx, rc); err != nil {
				return fmt.Errorf("queue %s: %w", r.address, err)
			}
			if !rc.ReceiveOperationAborted() {
				break
			}
		}

		if err := r.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("failed to commit offset", zap.String("queue", r.address),
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}
