package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher forwards meter events to an upstream system.
type Publisher interface {
	PublishReading(address, xml string) error
	PublishScan(addresses []string) error
	Close()
}

// NoopPublisher drops every event. It is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishReading(string, string) error { return nil }
func (NoopPublisher) PublishScan([]string) error          { return nil }
func (NoopPublisher) Close()                              {}

// Options configures an MQTTPublisher.
type Options struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	DeviceID       string
	ConnectTimeout time.Duration
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes JSON envelopes with paho.
type MQTTPublisher struct {
	client  mqttClient
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration
}

type envelope struct {
	MessageID string    `json:"messageId"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadingMessage is published to <prefix>/meters/<address>/data.
type ReadingMessage struct {
	envelope
	Address string `json:"address"`
	Data    string `json:"data"`
}

// ScanMessage is published to <prefix>/scan.
type ScanMessage struct {
	envelope
	Addresses []string `json:"addresses"`
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own
// after the first connection succeeds.
func NewMQTTPublisher(opts Options, logger zerolog.Logger) (*MQTTPublisher, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	log := logger.With().Str("component", "mqtt").Logger()

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("connection lost")
		}).
		SetOnConnectHandler(func(paho.Client) {
			log.Info().Str("broker", opts.Broker).Msg("connected")
		})

	client := paho.NewClient(po)
	tok := client.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout after %s", opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}
	return newMQTTPublisher(client, opts, log), nil
}

func newMQTTPublisher(client mqttClient, opts Options, log zerolog.Logger) *MQTTPublisher {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "mbus"
	}
	return &MQTTPublisher{
		client:  client,
		opts:    opts,
		log:     log,
		now:     time.Now,
		timeout: 5 * time.Second,
	}
}

func (p *MQTTPublisher) newEnvelope() envelope {
	return envelope{
		MessageID: uuid.NewString(),
		DeviceID:  p.opts.DeviceID,
		Timestamp: p.now().UTC(),
	}
}

// ReadingTopic is the topic of readings of one meter.
func (p *MQTTPublisher) ReadingTopic(address string) string {
	return strings.TrimSuffix(p.opts.TopicPrefix, "/") + "/meters/" + address + "/data"
}

func (p *MQTTPublisher) ScanTopic() string {
	return strings.TrimSuffix(p.opts.TopicPrefix, "/") + "/scan"
}

func (p *MQTTPublisher) PublishReading(address, xml string) error {
	return p.publish(p.ReadingTopic(address), ReadingMessage{
		envelope: p.newEnvelope(),
		Address:  address,
		Data:     xml,
	})
}

func (p *MQTTPublisher) PublishScan(addresses []string) error {
	if addresses == nil {
		addresses = []string{}
	}
	return p.publish(p.ScanTopic(), ScanMessage{
		envelope:  p.newEnvelope(),
		Addresses: addresses,
	})
}

func (p *MQTTPublisher) publish(topic string, msg interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	tok := p.client.Publish(topic, p.opts.QoS, false, b)
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, p.timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debug().Str("topic", topic).Int("bytes", len(b)).Msg("published")
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
