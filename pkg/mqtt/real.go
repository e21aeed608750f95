package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/status"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	offlineBuffer  = 128
)

// client is the part of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

var _ client = paho.Client(nil)

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client client
	cfg    config.MQTTConfig
	log    *logrus.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher connects to the broker named by cfg. A broker that does not
// answer within the connect timeout is retried in the background.
func NewRealPublisher(cfg config.MQTTConfig, logger *logrus.Logger) (*RealPublisher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := newPublisher(nil, cfg, logger)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			logger.WithField("broker", cfg.Broker).Info("MQTT connected")
			p.flush()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.WithError(err).WithField("broker", cfg.Broker).Warn("MQTT connection lost")
		})

	c := paho.NewClient(opts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.WithField("broker", cfg.Broker).Warn("MQTT broker not reachable, retrying in background")
		return p, nil
	}
	if err := token.Error(); err != nil {
		c.Disconnect(0)
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, cfg config.MQTTConfig, logger *logrus.Logger) *RealPublisher {
	return &RealPublisher{
		client: c,
		cfg:    cfg,
		log:    logger,
		buf:    newRingBuffer(offlineBuffer, logger),
	}
}

// PublishSnapshot sends a snapshot as a retained QoS 0 message.
func (p *RealPublisher) PublishSnapshot(s status.Snapshot) error {
	payload, err := FormatSnapshot(s)
	if err != nil {
		return fmt.Errorf("format snapshot: %w", err)
	}
	return p.send(bufferedMsg{topic: p.cfg.Topic, payload: payload, qos: 0, retained: true})
}

// PublishFault sends a fault as a QoS 1 message.
func (p *RealPublisher) PublishFault(f status.Fault) error {
	payload, err := FormatFault(f)
	if err != nil {
		return fmt.Errorf("format fault: %w", err)
	}
	return p.send(bufferedMsg{topic: p.cfg.FaultTopic, payload: payload, qos: 1})
}

// IsConnected reports whether the broker connection is open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}
	return p.publish(msg)
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: %w", msg.topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	return nil
}

// flush replays buffered messages. Messages after a failed one go back to the buffer.
func (p *RealPublisher) flush() {
	p.mu.Lock()
	pending := p.buf.drainAll()
	p.mu.Unlock()

	for i, msg := range pending {
		if err := p.publish(msg); err != nil {
			p.log.WithError(err).WithField("pending", len(pending)-i).Warn("Failed to replay buffered MQTT messages")
			p.mu.Lock()
			for _, m := range pending[i:] {
				p.buf.push(m)
			}
			p.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		p.log.WithField("messages", len(pending)).Info("Replayed buffered MQTT messages")
	}
}
