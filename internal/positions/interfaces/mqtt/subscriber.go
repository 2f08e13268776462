// Package mqtt feeds positions pushed over MQTT into the position cache.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"fleet-link/internal/observability/metrics"
	positions "fleet-link/internal/positions/domain"
)

const (
	DefaultTopic   = "fleet/+/position"
	connectTimeout = 10 * time.Second
	sourceLabel    = "mqtt"
)

var ErrTopicMismatch = errors.New("positions mqtt: payload entity does not match topic")

// Writer stores a single position.
type Writer interface {
	Put(entityID string, position positions.Position) (bool, error)
}

// Config configures the broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
	Username  string
	Password  string
}

// Subscriber listens on fleet/<entity>/position and writes every message to
// the cache.
type Subscriber struct {
	cfg    Config
	client paho.Client
	writer Writer
	logger *log.Logger
}

// NewSubscriber constructs a subscriber. The connection is opened by Run.
func NewSubscriber(cfg Config, writer Writer, logger *log.Logger) (*Subscriber, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, errors.New("positions mqtt: empty broker url")
	}
	if writer == nil {
		return nil, errors.New("positions mqtt: nil writer")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleet-link"
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Subscriber{cfg: cfg, writer: writer, logger: logger}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Printf("positions mqtt: connection lost broker=%s err=%v", cfg.BrokerURL, err)
		})
	if cfg.Username != "" {
		opts = opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	s.client = paho.NewClient(opts)
	return s, nil
}

// Run connects and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Printf("positions mqtt: broker not reachable yet broker=%s, retrying in background", s.cfg.BrokerURL)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("positions mqtt: connect: %w", err)
	}
	<-ctx.Done()
	s.client.Disconnect(250)
	return nil
}

// onConnect subscribes on every (re)connect since the session is clean.
func (s *Subscriber) onConnect(client paho.Client) {
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		s.logger.Printf("positions mqtt: subscribe failed topic=%s err=%v", s.cfg.Topic, token.Error())
		return
	}
	s.logger.Printf("positions mqtt: subscribed topic=%s", s.cfg.Topic)
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	if _, err := s.apply(msg.Topic(), msg.Payload()); err != nil {
		metrics.AddPositionUpdates(sourceLabel, metrics.PositionInvalid, 1)
		s.logger.Printf("positions mqtt: dropped message topic=%s err=%v", msg.Topic(), err)
	}
}

// apply decodes a payload and stores it under the entity named by topic.
func (s *Subscriber) apply(topic string, payload []byte) (bool, error) {
	entityID, ok := entityFromTopic(topic)
	if !ok {
		return false, fmt.Errorf("positions mqtt: unexpected topic %q", topic)
	}
	var position positions.Position
	if err := json.Unmarshal(payload, &position); err != nil {
		return false, fmt.Errorf("positions mqtt: decode: %w", err)
	}
	if position.EntityID != "" && position.EntityID != entityID {
		return false, ErrTopicMismatch
	}
	position.ReceivedAt = time.Time{}
	applied, err := s.writer.Put(entityID, position)
	if err != nil {
		return false, err
	}
	if applied {
		metrics.AddPositionUpdates(sourceLabel, metrics.PositionApplied, 1)
	} else {
		metrics.AddPositionUpdates(sourceLabel, metrics.PositionSkipped, 1)
	}
	return applied, nil
}

// entityFromTopic extracts <id> from fleet/<id>/position.
func entityFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "fleet" || parts[2] != "position" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
