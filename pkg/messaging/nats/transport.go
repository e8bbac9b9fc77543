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

package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Transport owns the NATS connection and its JetStream context.
type Transport struct {
	cfg    Config
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials the servers in cfg and makes sure the stream exists.
func Connect(cfg Config, l *zap.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Named("nats")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeouts.Dial),
		nats.PingInterval(cfg.Timeouts.Ping),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Reconnect.Enabled {
		opts = append(opts,
			nats.MaxReconnects(cfg.Reconnect.MaxAttempts),
			nats.ReconnectWait(cfg.Reconnect.Wait),
			nats.ReconnectJitter(cfg.Reconnect.Jitter, cfg.Reconnect.Jitter),
		)
	} else {
		opts = append(opts, nats.NoReconnect())
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, messaging.NewConnectionError("failed to connect to NATS", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, messaging.NewConnectionError("failed to initialize JetStream", err)
	}

	t := &Transport{cfg: cfg, conn: conn, js: js, logger: l}
	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return messaging.NewConnectionError("failed to look up JetStream stream", err)
	}
	sc := &nats.StreamConfig{
		Name:     t.cfg.Stream,
		Subjects: []string{t.cfg.SubjectPrefix + ">"},
		Storage:  nats.FileStorage,
	}
	if _, err := t.js.AddStream(sc); err != nil {
		return messaging.NewConnectionError("failed to create JetStream stream", err)
	}
	t.logger.Info("jetstream stream created", zap.String("stream", t.cfg.Stream))
	return nil
}

// Dispatcher returns a dispatcher publishing into the transport's stream.
func (t *Transport) Dispatcher() *Dispatcher {
	return NewDispatcher(t.js, t.cfg.SubjectPrefix)
}

// Receiver creates or binds the durable pull consumer for address.
func (t *Transport) Receiver(address string) (*Receiver, error) {
	sub, err := t.js.PullSubscribe(t.cfg.subject(address), durableName(address),
		nats.BindStream(t.cfg.Stream),
		nats.AckExplicit(),
		nats.AckWait(t.cfg.AckWait),
	)
	if err != nil {
		return nil, messaging.NewConnectionError(fmt.Sprintf("failed to subscribe to %s", address), err)
	}
	return newReceiver(sub, address, t.cfg.FetchBatch, t.cfg.FetchWait, t.logger), nil
}

// Close drains the connection, waiting up to timeout.
func (t *Transport) Close(timeout time.Duration) error {
	done := make(chan struct{})
	t.conn.SetClosedHandler(func(*nats.Conn) { close(done) })
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	select {
	case <-done:
	case <-time.After(timeout):
		t.conn.Close()
	}
	return nil
}

// Publisher is the part of nats.JetStreamContext the dispatcher uses.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Dispatcher implements messaging.Dispatcher on JetStream.
type Dispatcher struct {
	js            Publisher
	subjectPrefix string
}

// NewDispatcher creates a dispatcher publishing to subjectPrefix+destination.
func NewDispatcher(js Publisher, subjectPrefix string) *Dispatcher {
	return &Dispatcher{js: js, subjectPrefix: subjectPrefix}
}

// Dispatch publishes each operation and waits for the stream acknowledgement.
// A subject no stream listens on is reported as destination not found.
func (d *Dispatcher) Dispatch(ctx context.Context, ops messaging.TransportOperations) error {
	for _, op := range ops {
		dest := op.UnicastDestination()
		if dest == "" {
			return fmt.Errorf("nats: operation for message %s has no unicast destination", op.Message.MessageID)
		}
		m := toNATSMsg(d.subjectPrefix+dest, op.Message)
		_, err := d.js.PublishMsg(m, nats.Context(ctx), nats.MsgId(op.Message.MessageID))
		if err != nil {
			if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrNoStreamResponse) {
				return messaging.NewDestinationNotFoundError(dest, err)
			}
			return fmt.Errorf("nats publish to %s: %w", dest, err)
		}
	}
	return nil
}

func toNATSMsg(subject string, msg *messaging.OutgoingMessage) *nats.Msg {
	m := nats.NewMsg(subject)
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Header.Set(messaging.HeaderMessageID, msg.MessageID)
	m.Data = append([]byte(nil), msg.Body...)
	return m
}

func fromNATSMsg(m *nats.Msg) *messaging.IncomingMessage {
	headers := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	id := headers[messaging.HeaderMessageID]
	if id == "" {
		id = headers[nats.MsgIdHdr]
	}
	return messaging.NewIncomingMessage(id, headers, m.Data)
}
