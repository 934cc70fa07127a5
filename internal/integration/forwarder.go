package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/models"
)

// EventStore 记录转发失败，可为 nil
type EventStore interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// ForwarderService 把设备事件转发到外部系统（MQTT / HTTP webhook）
type ForwarderService struct {
	nc      *nats.Conn
	store   EventStore
	prefix  string
	mqttCfg config.MQTTConfig
	webhook config.WebhookConfig

	mqttClient mqtt.Client

	// HTTP 客户端
	httpClient *http.Client
}

// NewForwarderService 创建转发服务
func NewForwarderService(nc *nats.Conn, store EventStore, prefix string, mqttCfg config.MQTTConfig, webhook config.WebhookConfig) *ForwarderService {
	timeout := webhook.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ForwarderService{
		nc:      nc,
		store:   store,
		prefix:  prefix,
		mqttCfg: mqttCfg,
		webhook: webhook,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Start 启动转发服务
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.mqttCfg.Broker != "" {
		s.mqttClient = s.createMQTTClient()
	}

	// 订阅设备事件
	subject := broker.EventWildcard(s.prefix)
	sub, err := s.nc.Subscribe(subject, s.handleDeviceEvent)
	if err != nil {
		return fmt.Errorf("subscribe to device events: %w", err)
	}

	log.Info().
		Str("subject", subject).
		Bool("mqtt", s.mqttClient != nil).
		Bool("webhook", s.webhook.URL != "").
		Msg("Integration forwarder service started")

	<-ctx.Done()

	sub.Unsubscribe()
	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}

	return nil
}

// handleDeviceEvent 处理设备事件
func (s *ForwarderService) handleDeviceEvent(msg *nats.Msg) {
	var ev broker.EventMessage
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to parse device event")
		return
	}

	if s.webhook.URL != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
			defer cancel()
			if err := s.forwardToHTTP(ctx, msg.Data); err != nil {
				s.reportFailure(ev, "http", err)
			}
		}()
	}

	if s.mqttClient != nil {
		go func() {
			if err := s.forwardToMQTT(ev, msg.Data); err != nil {
				s.reportFailure(ev, "mqtt", err)
			}
		}()
	}
}

// forwardToHTTP 转发数据到 HTTP
func (s *ForwarderService) forwardToHTTP(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	// 设置 headers
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", s.webhook.URL).
		Int("status", resp.StatusCode).
		Msg("Event forwarded to HTTP successfully")
	return nil
}

// forwardToMQTT 转发数据到 MQTT
func (s *ForwarderService) forwardToMQTT(ev broker.EventMessage, data []byte) error {
	topic := MQTTTopic(s.mqttCfg.TopicPrefix, ev.Broker, ev.Device, string(ev.Type))

	token := s.mqttClient.Publish(topic, s.mqttCfg.QoS, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	log.Debug().
		Str("device", ev.Device).
		Str("topic", topic).
		Msg("Event forwarded to MQTT successfully")
	return nil
}

// reportFailure 记录转发失败，同时写入事件日志
func (s *ForwarderService) reportFailure(ev broker.EventMessage, target string, err error) {
	log.Error().
		Err(err).
		Str("device", ev.Device).
		Str("target", target).
		Msg("Failed to forward device event")

	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &models.EventLog{
		Broker:      ev.Broker,
		Device:      ev.Device,
		Type:        models.EventTypeIntegration,
		Level:       models.EventLevelError,
		Code:        target,
		Description: fmt.Sprintf("Forwarding %s to %s failed", ev.Type, target),
		Details:     models.Variables{"error": err.Error()},
	}
	if err := s.store.CreateEventLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to log integration failure")
	}
}

// MQTTTopic <prefix>/<broker>/device/<name>/event/<type>
func MQTTTopic(prefix, brokerName, deviceName, eventType string) string {
	clean := func(s string) string {
		return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
	}
	return fmt.Sprintf("%s/%s/device/%s/event/%s",
		prefix, clean(brokerName), clean(deviceName), strings.ToLower(eventType))
}

// createMQTTClient 创建 MQTT 客户端
func (s *ForwarderService) createMQTTClient() mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttCfg.Broker)
	opts.SetClientID(s.mqttCfg.ClientID)

	if s.mqttCfg.Username != "" {
		opts.SetUsername(s.mqttCfg.Username)
		opts.SetPassword(s.mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// 连接处理
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", s.mqttCfg.Broker).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", s.mqttCfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		log.Error().
			Err(token.Error()).
			Str("broker", s.mqttCfg.Broker).
			Msg("Failed to connect MQTT client, retrying in background")
	}

	return client
}
