// Package telemetry publishes client lifecycle events and table snapshots to
// an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicHostAdmin       = "host/admin"
	TopicHostStatus      = "host/status"
	TopicHostPresence    = "host/presence"
	TopicClientLifecycle = "clients/lifecycle"
	TopicClientSnapshot  = "clients/snapshot"
	TopicClientLag       = "clients/lag"
)

// ErrDisabled is returned when MQTT telemetry is switched off.
var ErrDisabled = errors.New("MQTT is disabled")

// brokerClient is the part of mqtt.Client the handler uses.
type brokerClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to the broker as JSON messages.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   brokerClient
	prefix   string

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the configured broker.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, runID string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("mniam-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// The broker announces "offline" for us when the session dies uncleanly.
	opts.SetWill(topicFor(cfg.TopicPrefix, TopicHostPresence), presenceOffline, 1, true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, eventBus, mqtt.NewClient(opts), runID, sysInfo), nil
}

// Retained payloads of TopicHostPresence.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

func topicFor(prefix, suffix string) string {
	if prefix == "" {
		prefix = "mniam"
	}
	return prefix + "/" + suffix
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus, client brokerClient, runID string, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		prefix:   cfg.TopicPrefix,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
			"run_id":    runID,
		},
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker, forwards events until ctx is cancelled and
// then announces the shutdown.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.setPresence(presenceOnline)
	h.publish(TopicHostAdmin, map[string]interface{}{"event": "startup"})

	<-ctx.Done()

	h.PublishShutdown()
	h.setPresence(presenceOffline)
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range []events.EventType{
		events.EventClientConnected,
		events.EventClientDisconnected,
		events.EventClientRemoved,
		events.EventClientRejected,
	} {
		h.eventBus.Subscribe(t, "mqtt.lifecycle", h.onLifecycle)
	}
	h.eventBus.Subscribe(events.EventClientsSnapshot, "mqtt.snapshot", h.onSnapshot)
	h.eventBus.Subscribe(events.EventClientLagging, "mqtt.lag", h.onLag)
	h.eventBus.Subscribe(events.EventAcceptStateChanged, "mqtt.acceptState", h.onAcceptState)
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return topicFor(h.prefix, suffix)
}

// setPresence publishes a retained presence marker and waits briefly for
// the broker to take it.
func (h *MQTTHandler) setPresence(state string) {
	if !h.client.IsConnected() {
		return
	}
	token := h.client.Publish(h.Topic(TopicHostPresence), 1, true, []byte(state))
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		log.Warn().Err(token.Error()).Str("presence", state).Msg("MQTT presence not confirmed")
	}
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.Topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onLifecycle(ctx context.Context, event events.Event) error {
	h.publish(TopicClientLifecycle, map[string]interface{}{
		"event":   event.Type,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onSnapshot(ctx context.Context, event events.Event) error {
	h.publish(TopicClientSnapshot, event.Payload)
	return nil
}

func (h *MQTTHandler) onLag(ctx context.Context, event events.Event) error {
	h.publish(TopicClientLag, event.Payload)
	return nil
}

func (h *MQTTHandler) onAcceptState(ctx context.Context, event events.Event) error {
	h.publish(TopicHostStatus, event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicHostAdmin, map[string]interface{}{"event": "shutdown"})
}
