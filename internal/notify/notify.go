// Package notify tells capture devices that their schedule changed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	appLog "capsched/internal/log"
)

// Change describes one schedule mutation.
type Change struct {
	Op      string    `json:"op"`
	Devices []string  `json:"-"`
	At      time.Time `json:"at"`
}

// Notifier is informed after every successful schedule mutation.
type Notifier interface {
	ScheduleChanged(ctx context.Context, c Change) error
	Close() error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) ScheduleChanged(context.Context, Change) error { return nil }
func (Nop) Close() error                                  { return nil }

// MQTTConfig configures the MQTT notifier.
type MQTTConfig struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string // default "capsched"
	QoS         byte
	Timeout     time.Duration
}

// publisher is the part of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTNotifier publishes a JSON message to "<prefix>/<device>/schedule" for
// each affected device.
type MQTTNotifier struct {
	client  publisher
	prefix  string
	qos     byte
	timeout time.Duration
}

var (
	_ Notifier  = Nop{}
	_ Notifier  = (*MQTTNotifier)(nil)
	_ publisher = mqtt.Client(nil)
)

type message struct {
	Device string `json:"device"`
	Change
}

// NewMQTTNotifier connects to the broker.
func NewMQTTNotifier(cfg MQTTConfig) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, errors.New("notify: mqtt broker is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "capsched"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		appLog.Info("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		appLog.Warn("MQTT connection lost", "broker", cfg.Broker, "err", err.Error())
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connect to MQTT broker: %w", token.Error())
	}
	return newMQTTNotifier(client, cfg), nil
}

func newMQTTNotifier(client publisher, cfg MQTTConfig) *MQTTNotifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "capsched"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTTNotifier{client: client, prefix: cfg.TopicPrefix, qos: cfg.QoS, timeout: cfg.Timeout}
}

// Topic returns the topic a device's notifications are published on.
func (n *MQTTNotifier) Topic(device string) string {
	return n.prefix + "/" + device + "/schedule"
}

// ScheduleChanged publishes c once per distinct non-empty device. All
// devices are attempted; the errors are joined.
func (n *MQTTNotifier) ScheduleChanged(ctx context.Context, c Change) error {
	devices := slices.Clone(c.Devices)
	slices.Sort(devices)
	devices = slices.Compact(devices)

	var errs []error
	for _, device := range devices {
		if device == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		payload, err := json.Marshal(message{Device: device, Change: c})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		token := n.client.Publish(n.Topic(device), n.qos, false, payload)
		if !token.WaitTimeout(n.timeout) {
			errs = append(errs, fmt.Errorf("notify: publish to %s timed out", device))
			continue
		}
		if err := token.Error(); err != nil {
			errs = append(errs, fmt.Errorf("notify: publish to %s: %w", device, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	return nil
}
