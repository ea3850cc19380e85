// internal/publisher/mqtt.go
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
)

const (
	defaultConnectTimeout = 10 * time.Second
	publishTimeout        = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTPublisher forwards device events to an MQTT broker as JSON, one
// topic per event type: <topic_prefix>/<event type>.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// Stats counts publish outcomes.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	logger = logger.With(zap.String("component", "mqtt-publisher"), zap.String("broker", cfg.Broker))

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("MQTT connected")
		})
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out after %v", cfg.Broker, timeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	return newMQTTPublisher(client, cfg, logger), nil
}

func newMQTTPublisher(client mqtt.Client, cfg *config.MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		logger: logger,
	}
}

// Topic returns the topic an event type is published on.
func (p *MQTTPublisher) Topic(eventType model.EventType) string {
	if p.prefix == "" {
		return string(eventType)
	}
	return p.prefix + "/" + string(eventType)
}

// Publish sends one event and waits for the broker acknowledgement.
func (p *MQTTPublisher) Publish(event *model.DeviceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.failed.Inc()
		return fmt.Errorf("marshal event: %w", err)
	}

	tok := p.client.Publish(p.Topic(event.EventType), p.qos, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		p.failed.Inc()
		return ErrPublishTimeout
	}
	if err := tok.Error(); err != nil {
		p.failed.Inc()
		return fmt.Errorf("mqtt publish: %w", err)
	}

	p.published.Inc()
	return nil
}

// Run publishes events until the channel closes or ctx is done. Failures
// are logged and the event is dropped.
func (p *MQTTPublisher) Run(ctx context.Context, events <-chan *model.DeviceEvent) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(event); err != nil {
				p.logger.Warn("Failed to publish event",
					zap.String("event_type", string(event.EventType)),
					zap.String("port", event.PortPath),
					zap.Error(err),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns publish counters.
func (p *MQTTPublisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectQuiesceMs)
	p.logger.Info("MQTT publisher closed")
}
