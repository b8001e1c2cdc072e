package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
)

// natsPublisher is satisfied by *nats.Conn.
type natsPublisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSSink publishes the JSON summary on a NATS subject.
type NATSSink struct {
	subject string
	conn    natsPublisher
	closer  func()
}

// NewNATSSink connects to url and publishes on subject.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("planwatch"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{subject: subject, conn: nc, closer: nc.Close}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Send implements Sink.
func (s *NATSSink) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg.Summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	return s.conn.FlushWithContext(ctx)
}

// Close closes the connection.
func (s *NATSSink) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// mqttPublisher is satisfied by mqtt.Client.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes the JSON summary on an MQTT topic, retained so a
// telescope-side subscriber sees the latest plan on connect.
type MQTTSink struct {
	topic   string
	qos     byte
	client  mqttPublisher
	timeout time.Duration
	closer  func()
}

// NewMQTTSink connects to broker and publishes on topic.
func NewMQTTSink(broker, clientID, topic string, qos byte) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt: %w", token.Error())
	}
	return &MQTTSink{
		topic:   topic,
		qos:     qos,
		client:  client,
		timeout: 10 * time.Second,
		closer:  func() { client.Disconnect(250) },
	}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Send implements Sink.
func (s *MQTTSink) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg.Summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeout):
		return fmt.Errorf("publishing to %s: timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.topic, err)
	}
	return nil
}

// Close disconnects the client.
func (s *MQTTSink) Close() {
	if s.closer != nil {
		s.closer()
	}
}
