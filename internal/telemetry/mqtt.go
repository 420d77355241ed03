// Package telemetry publishes match lifecycle and tick statistics to an
// MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicAdmin   = "admin"
	TopicMatch   = "match"
	TopicPlayers = "players"
	TopicTicks   = "ticks"
	TopicHealth  = "health"
)

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	send     func(topic string, data []byte)

	// Metadata included in every message
	metadata map[string]interface{}

	deltas   int
	received int
	applied  int
	changes  int
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if cfg.TickEvery < 1 {
		cfg.TickEvery = 1
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}
	handler.send = handler.publishRaw

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("detonator-%s", sysInfo.Hostname))
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

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Start connects to the MQTT broker, subscribes to events and blocks until
// ctx is cancelled.
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

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventMatchStarted, "mqtt.matchStarted", h.onMatchStarted)
	h.eventBus.Subscribe(events.EventPlayerJoined, "mqtt.playerJoined", h.onPlayer("joined"))
	h.eventBus.Subscribe(events.EventPlayerReady, "mqtt.playerReady", h.onPlayer("ready"))
	h.eventBus.Subscribe(events.EventClientDropped, "mqtt.clientDropped", h.onPlayer("dropped"))
	h.eventBus.SubscribeOrdered("mqtt.delta", h.onDelta, events.EventDeltaBroadcast)
	h.eventBus.Subscribe(events.EventQueueBacklog, "mqtt.backlog", h.onBacklog)
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	msg := h.buildMessage(payload)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", suffix).Msg("failed to marshal MQTT message")
		return
	}
	h.send(h.topic(suffix), data)
}

func (h *MQTTHandler) publishRaw(topic string, data []byte) {
	if !h.client.IsConnected() {
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

// Event handlers

func (h *MQTTHandler) onMatchStarted(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.MatchStartedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicMatch, map[string]interface{}{
		"event":          "match_started",
		"match_id":       p.MatchID,
		"mode":           p.Mode.String(),
		"height":         p.Height,
		"width":          p.Width,
		"action_port":    p.ActionPort,
		"multicast_addr": p.MulticastAddr,
	})
	return nil
}

func (h *MQTTHandler) onPlayer(name string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(TopicPlayers, map[string]interface{}{
			"event":   name,
			"payload": event.Payload,
		})
		return nil
	}
}

// onDelta aggregates deltas and publishes one summary every TickEvery.
func (h *MQTTHandler) onDelta(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.DeltaPayload)
	if !ok {
		return nil
	}

	h.mu.Lock()
	h.deltas++
	h.received += p.Received
	h.applied += len(p.Actions)
	h.changes += len(p.Delta.Changes)
	if h.deltas < h.cfg.TickEvery {
		h.mu.Unlock()
		return nil
	}
	summary := map[string]interface{}{
		"match_id": p.MatchID,
		"last_seq": p.Delta.Seq,
		"deltas":   h.deltas,
		"received": h.received,
		"applied":  h.applied,
		"changes":  h.changes,
	}
	h.deltas, h.received, h.applied, h.changes = 0, 0, 0, 0
	h.mu.Unlock()

	h.publish(TopicTicks, summary)
	return nil
}

func (h *MQTTHandler) onBacklog(ctx context.Context, event events.Event) error {
	h.publish(TopicHealth, event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
