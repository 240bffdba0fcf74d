// Package emitter publishes audit events and health snapshots to an MQTT
// broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-remote/internal/config"
	"github.com/e7canasta/orion-remote/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	auditQueueSize = 256
)

var (
	// ErrNotConnected is returned when publishing without a broker connection
	ErrNotConnected = errors.New("emitter: mqtt not connected")
	// ErrPublishTimeout is returned when the broker does not ack in time
	ErrPublishTimeout = errors.New("emitter: publish timeout")
)

// MQTTEmitter publishes audit events and health snapshots.
//
// Audit never blocks the caller: events are queued and published by Run.
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	client     mqtt.Client

	audits chan types.AuditEvent

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
}

// NewMQTTEmitter creates an emitter for the configured broker
func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:        cfg,
		instanceID: instanceID,
		audits:     make(chan types.AuditEvent, auditQueueSize),
		published:  make(map[string]uint64),
	}
}

// Connect establishes the broker connection. Paho keeps reconnecting in the
// background after a later loss.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID("remoted-" + e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"instance_id", e.instanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Audit queues ev for publishing. A full queue drops the event.
func (e *MQTTEmitter) Audit(ev types.AuditEvent) {
	select {
	case e.audits <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		slog.Warn("audit queue full, event dropped", "action", ev.Action, "session_id", ev.SessionID)
	}
}

// Run publishes queued audit events until ctx is cancelled
func (e *MQTTEmitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.flush()
			return
		case ev := <-e.audits:
			e.publishAudit(ev)
		}
	}
}

// flush publishes whatever is still queued without waiting for more
func (e *MQTTEmitter) flush() {
	for {
		select {
		case ev := <-e.audits:
			e.publishAudit(ev)
		default:
			return
		}
	}
}

func (e *MQTTEmitter) publishAudit(ev types.AuditEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		slog.Error("failed to marshal audit event", "action", ev.Action, "error", err)
		return
	}
	if err := e.publish(e.cfg.Topics.Audit, e.qos("audit"), payload); err != nil {
		slog.Debug("audit event not published", "action", ev.Action, "error", err)
	}
}

// PublishHealth publishes a health snapshot
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.Topics.Health, e.qos("health"), payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the broker connection
func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Connected reports whether the broker connection is up
func (e *MQTTEmitter) Connected() bool {
	return e.isConnected()
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// qos returns the configured level for a message class, 0 when unset
func (e *MQTTEmitter) qos(class string) byte {
	if qos, ok := e.cfg.QoS[class]; ok {
		return qos
	}
	return 0
}
