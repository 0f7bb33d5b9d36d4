package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// MQTTConfig MQTT 输出配置
type MQTTConfig struct {
	BrokerURL          string
	ClientID           string
	Username           string
	Password           string
	TopicPattern       string
	QoS                byte
	TLS                bool
	InsecureSkipVerify bool
	GatewayID          string
}

// MQTTSink publishes readings to an MQTT broker
type MQTTSink struct {
	client mqtt.Client
	cfg    MQTTConfig
}

// NewMQTTSink 创建 MQTT 客户端并连接
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = "mesh/{gateway_id}/{device_id}/{kind}"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("mesh-gateway-%s", cfg.GatewayID)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT 已连接")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT 连接断开")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}

	return &MQTTSink{client: client, cfg: cfg}, nil
}

// Name implements Sink
func (s *MQTTSink) Name() string { return "mqtt" }

// Write implements Sink
func (s *MQTTSink) Write(ctx context.Context, reading models.SensorReading) error {
	data, err := json.Marshal(readingPayload(s.cfg.GatewayID, reading))
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	topic := expandTopic(s.cfg.TopicPattern, s.cfg.GatewayID, reading)
	token := s.client.Publish(topic, s.cfg.QoS, false, data)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

// Close implements Sink
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	log.Info().Str("broker", s.cfg.BrokerURL).Msg("MQTT 已断开")
	return nil
}
