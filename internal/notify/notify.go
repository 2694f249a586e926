// Package notify publishes reminder and event notifications to an MQTT
// broker. The channel is optional; when no broker is configured the
// rest of the system runs without it.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/okeefe/valet-agent/internal/config"
)

// Publisher manages the MQTT connection and publishes reminder
// deliveries plus a retained availability topic with an offline LWT.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// ReminderPayload is the JSON body published for a reminder delivery.
type ReminderPayload struct {
	DeliveryID string    `json:"delivery_id"`
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	DueDate    time.Time `json:"due_date"`
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the MQTT broker and keeps the connection alive
// until ctx is cancelled. On every (re-)connect it marks the
// availability topic online.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "valet-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection; autopaho keeps retrying in the
	// background on failure, so a timeout here is not fatal.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishReminder publishes a reminder delivery at QoS 1.
func (p *Publisher) PublishReminder(ctx context.Context, payload ReminderPayload) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}

	_, err = p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.baseTopic() + "/reminder",
		QoS:     1,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("publish reminder: %w", err)
	}

	p.logger.Debug("mqtt reminder published",
		"delivery_id", payload.DeliveryID,
		"task_id", payload.TaskID,
	)
	return nil
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		QoS:     1,
		Retain:  true,
		Payload: []byte(state),
	})
	if err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
	}
}

func (p *Publisher) baseTopic() string {
	return "valet/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}
