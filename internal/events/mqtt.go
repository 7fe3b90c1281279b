package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttQueueSize      = 64
	mqttPublishTimeout = 5 * time.Second
	mqttDisconnectMs   = 250
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// publisher is the slice of mqtt.Client the sink needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes events as JSON to <prefix>/telemetry, <prefix>/status,
// <prefix>/shutdown/warning and <prefix>/shutdown/cancelled. Publish only
// enqueues; a background loop started by Run does the network I/O, and
// events are dropped when the queue is full.
type MQTTSink struct {
	client publisher
	prefix string
	qos    byte
	log    zerolog.Logger

	queue chan Event

	closeOnce sync.Once
	closeFn   func()
}

var _ Sink = (*MQTTSink)(nil)

// ConnectMQTT dials the broker and returns a sink ready for Run.
func ConnectMQTT(cfg MQTTConfig, log zerolog.Logger) (*MQTTSink, error) {
	log = log.With().Str("component", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttPublishTimeout) {
		// ConnectRetry keeps trying in the background.
		log.Warn().Str("broker", cfg.Broker).Msg("mqtt broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	sink := newMQTTSink(client, cfg.TopicPrefix, cfg.QoS, log)
	sink.closeFn = func() { client.Disconnect(mqttDisconnectMs) }
	return sink, nil
}

func newMQTTSink(client publisher, prefix string, qos byte, log zerolog.Logger) *MQTTSink {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "upsguard"
	}
	return &MQTTSink{
		client: client,
		prefix: prefix,
		qos:    qos,
		log:    log,
		queue:  make(chan Event, mqttQueueSize),
	}
}

// Publish enqueues e without blocking.
func (s *MQTTSink) Publish(e Event) {
	select {
	case s.queue <- e:
	default:
		s.log.Warn().Str("kind", string(e.Kind)).Msg("mqtt queue full, event dropped")
	}
}

// Run drains the queue until ctx is cancelled.
func (s *MQTTSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			if err := s.send(e); err != nil {
				s.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("mqtt publish failed")
			}
		}
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

func (s *MQTTSink) send(e Event) error {
	topic := s.Topic(e.Kind)
	var payload any = e
	if e.Kind == KindTelemetry && e.Telemetry != nil {
		payload = e.Telemetry
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Kind, err)
	}

	// Status is retained so late subscribers see the current state.
	retained := e.Kind == KindStatusChanged
	token := s.client.Publish(topic, s.qos, retained, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Topic returns the topic events of kind k are published on.
func (s *MQTTSink) Topic(k Kind) string {
	switch k {
	case KindTelemetry:
		return s.prefix + "/telemetry"
	case KindShutdownWarning:
		return s.prefix + "/shutdown/warning"
	case KindShutdownCancelled:
		return s.prefix + "/shutdown/cancelled"
	case KindStatusChanged:
		return s.prefix + "/status"
	default:
		return s.prefix + "/events"
	}
}
