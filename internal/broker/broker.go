// Package broker wraps the MQTT client connecting the gateway to the
// messaging broker: subscriptions for status/data/ack, publishing for
// commands and acks, and the smart-quote sanitization every inbound
// payload passes through before JSON parsing.
package broker

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MessageKind distinguishes the three inbound topic suffixes.
type MessageKind string

const (
	KindStatus MessageKind = "status"
	KindData   MessageKind = "data"
	KindAck    MessageKind = "ack"
)

// InboundMessage is a decoded inbound publish, with the device MAC already
// extracted from the topic's wildcard position and the payload sanitized.
type InboundMessage struct {
	DeviceMAC string
	Kind      MessageKind
	Topic     string
	Payload   []byte
	Legacy    bool // true if received on the "device/+/..." mirror topic
}

// Handler processes one inbound message. It MUST NOT block for long and
// MUST NOT panic out to the MQTT client's dispatch goroutine; callers wrap
// it with recovery.
type Handler func(msg InboundMessage)

// Config configures the broker connection.
type Config struct {
	BrokerURL      string // e.g. "tcp://broker.example.com:1883"
	ClientID       string
	Username       string
	Password       string
	CamPrefix      string // e.g. "cam" -> "cam/+/status"
	ConnectTimeout time.Duration
}

// DefaultConfig returns sane defaults for the camera-prefix topic scheme.
func DefaultConfig() Config {
	return Config{
		CamPrefix:      "cam",
		ClientID:       "devicegateway",
		ConnectTimeout: 10 * time.Second,
	}
}

// Client is the gateway's broker session: one persistent connection
// multiplexing every device conversation.
type Client struct {
	mqttClient mqtt.Client
	cfg        Config
	log        logrus.FieldLogger
}

// New creates (but does not connect) a broker client.
func New(cfg Config, log logrus.FieldLogger) *Client {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(false)

	c := &Client{cfg: cfg, log: log}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Error("broker connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("broker connection established")
	})

	c.mqttClient = mqtt.NewClient(opts)
	return c
}

// Connect blocks until the broker session is established or the connect
// timeout elapses.
func (c *Client) Connect() error {
	token := c.mqttClient.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to broker %s: timed out", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

// IsConnected reports broker connection state, for the health endpoint.
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnectionOpen()
}

// Disconnect cleanly closes the broker session.
func (c *Client) Disconnect() {
	c.mqttClient.Disconnect(250)
}

// topicSpecs enumerates every inbound subscription: the primary camera
// prefix plus the legacy "device/+/..." mirror.
func (c *Client) topicSpecs() []struct {
	pattern string
	kind    MessageKind
	legacy  bool
} {
	return []struct {
		pattern string
		kind    MessageKind
		legacy  bool
	}{
		{fmt.Sprintf("%s/+/status", c.cfg.CamPrefix), KindStatus, false},
		{fmt.Sprintf("%s/+/data", c.cfg.CamPrefix), KindData, false},
		{fmt.Sprintf("%s/+/ack", c.cfg.CamPrefix), KindAck, false},
		{"device/+/status", KindStatus, true},
		{"device/+/data", KindData, true},
		{"device/+/ack", KindAck, true},
	}
}

// Subscribe installs handler on every inbound topic. The device MAC is
// extracted from the topic's wildcard position, and the payload is
// sanitized (smart quotes, whitespace) before handler ever sees it.
func (c *Client) Subscribe(handler Handler) error {
	for _, spec := range c.topicSpecs() {
		spec := spec
		token := c.mqttClient.Subscribe(spec.pattern, 1, func(_ mqtt.Client, m mqtt.Message) {
			mac := extractMAC(m.Topic())
			if mac == "" {
				c.log.WithField("topic", m.Topic()).Warn("could not extract device MAC from topic")
				return
			}
			handler(InboundMessage{
				DeviceMAC: mac,
				Kind:      spec.kind,
				Topic:     m.Topic(),
				Payload:   SanitizePayload(m.Payload()),
				Legacy:    spec.legacy,
			})
		})
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("subscribe %s: timed out", spec.pattern)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", spec.pattern, err)
		}
	}
	return nil
}

// extractMAC pulls the wildcard segment (the device identifier, in its
// original formatting) out of an inbound topic of the form
// "<prefix>/<mac>/<suffix>".
func extractMAC(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// CommandTopic returns the outbound command topic for a device.
func (c *Client) CommandTopic(deviceMAC string) string {
	return fmt.Sprintf("%s/%s/cmd", c.cfg.CamPrefix, deviceMAC)
}

// AckTopic returns the outbound acknowledgment topic for a device.
func (c *Client) AckTopic(deviceMAC string) string {
	return fmt.Sprintf("%s/%s/ack", c.cfg.CamPrefix, deviceMAC)
}

// PublishCommand publishes a JSON command payload to a device's command
// topic at QoS 1.
func (c *Client) PublishCommand(deviceMAC string, payload []byte) error {
	return c.publish(c.CommandTopic(deviceMAC), payload)
}

// PublishAck publishes to a device's ack topic at QoS 1.
func (c *Client) PublishAck(deviceMAC string, payload []byte) error {
	return c.publish(c.AckTopic(deviceMAC), payload)
}

func (c *Client) publish(topic string, payload []byte) error {
	token := c.mqttClient.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// smartQuoteReplacer replaces Unicode smart quotes
// with plain ASCII quotes before JSON parsing.
var smartQuoteReplacer = strings.NewReplacer(
	"“", `"`, // “
	"”", `"`, // ”
	"‘", `'`, // ‘
	"’", `'`, // ’
)

// SanitizePayload applies the smart-quote substitution and trims
// whitespace before any inbound payload is parsed as JSON.
func SanitizePayload(raw []byte) []byte {
	cleaned := smartQuoteReplacer.Replace(string(raw))
	return []byte(strings.TrimSpace(cleaned))
}
