// Package broker publishes encoded tag payloads to the MQTT broker.
package broker

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Defaults for the appliance's local broker.
const (
	DefaultAddress   = "tcp://mqtt:18830"
	DefaultClientID  = "nvapriltags"
	DefaultTopic     = "vrc/apriltags/raw"
	DefaultKeepAlive = 20 * time.Second
	DefaultQoS       = 0

	connectTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("mqtt not connected")

// Publisher sends payloads to a topic.
type Publisher interface {
	Connect() error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Config holds the broker connection settings.
type Config struct {
	Address      string
	ClientID     string
	KeepAlive    time.Duration
	CleanSession bool
	QoS          byte
	// WriteTimeout bounds how long Publish waits for the packet to be
	// handed to the network. Zero returns as soon as the packet is queued.
	WriteTimeout time.Duration
	// AutoReconnect re-establishes a connection lost after startup.
	// The initial connection is never retried.
	AutoReconnect bool
}

// DefaultConfig returns the compiled-in broker settings.
func DefaultConfig() Config {
	return Config{
		Address:       DefaultAddress,
		ClientID:      DefaultClientID,
		KeepAlive:     DefaultKeepAlive,
		CleanSession:  true,
		QoS:           DefaultQoS,
		WriteTimeout:  2 * time.Second,
		AutoReconnect: true,
	}
}

// MQTTPublisher publishes with QoS 0 and never waits for acknowledgements.
type MQTTPublisher struct {
	cfg    Config
	logger *zap.Logger
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
}

// NewMQTTPublisher creates a publisher; Connect must be called before Publish.
func NewMQTTPublisher(cfg Config, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{
		cfg:    cfg,
		logger: logger.Named("broker"),
	}
}

// Connect establishes the broker connection.
func (p *MQTTPublisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Address)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetCleanSession(p.cfg.CleanSession)
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(p.cfg.AutoReconnect)
	opts.SetConnectTimeout(connectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established",
			zap.String("broker", p.cfg.Address),
			zap.String("client_id", p.cfg.ClientID))
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost",
			zap.Error(err),
			zap.String("broker", p.cfg.Address),
			zap.Bool("auto_reconnect", p.cfg.AutoReconnect))
	}

	p.client = mqtt.NewClient(opts)

	p.logger.Info("connecting to mqtt broker", zap.String("broker", p.cfg.Address))

	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout + time.Second) {
		return errors.Errorf("mqtt connection to %s timed out", p.cfg.Address)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "mqtt connection to %s failed", p.cfg.Address)
	}

	p.setConnected(true)
	return nil
}

// Publish sends payload on topic. The payload is sent as-is, including any
// terminator the caller framed it with.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.isConnected() || p.client == nil {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if p.cfg.WriteTimeout <= 0 {
		return nil
	}
	if !token.WaitTimeout(p.cfg.WriteTimeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}

	return nil
}

// Disconnect closes the broker connection.
func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
		p.logger.Info("mqtt disconnected")
	}
	p.setConnected(false)
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}
