package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix prefixes checkpoint topics when none is configured.
const DefaultTopicPrefix = "pcflow"

// Publisher is the subset of paho.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Timeout     time.Duration
}

// MQTTSink publishes checkpoints as JSON to
// <prefix>/<instance_id>/checkpoints with QoS 1.
type MQTTSink struct {
	publisher Publisher
	client    paho.Client
	prefix    string
	timeout   time.Duration
}

// DialMQTT connects to the broker and returns a sink.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pcflow"
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	client := paho.NewClient(opts)
	sink := NewMQTTSink(client, cfg.TopicPrefix, cfg.Timeout)
	sink.client = client

	token := client.Connect()
	if !token.WaitTimeout(sink.timeout) {
		return nil, &TimeoutError{Op: "connect", Target: cfg.BrokerURL}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}
	return sink, nil
}

// NewMQTTSink wraps an existing publisher.
func NewMQTTSink(p Publisher, prefix string, timeout time.Duration) *MQTTSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTSink{publisher: p, prefix: prefix, timeout: timeout}
}

// Topic returns the topic checkpoints of an instance are published to.
func (s *MQTTSink) Topic(instanceID string) string {
	return s.prefix + "/" + instanceID + "/checkpoints"
}

// WriteCheckpoint implements Sink.
func (s *MQTTSink) WriteCheckpoint(ctx context.Context, cp Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	topic := s.Topic(cp.InstanceID)
	token := s.publisher.Publish(topic, 1, false, payload)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return &TimeoutError{Op: "publish", Target: topic}
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects a sink created by DialMQTT.
func (s *MQTTSink) Close() {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
}

// TimeoutError indicates an MQTT operation timed out.
type TimeoutError struct {
	Op     string
	Target string
}

func (e *TimeoutError) Error() string {
	return "mqtt " + e.Op + " timeout: " + e.Target
}
