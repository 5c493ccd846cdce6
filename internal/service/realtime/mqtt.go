package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// TopicFor is the broker topic carrying the pushes of one employee.
func TopicFor(employeeID string) string {
	return "presence/stream/" + employeeID
}

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration // default: 10 seconds
}

// MQTTDialer subscribes to the employee topic on a broker. Reconnects are
// left to the manager, so the paho client never reconnects on its own.
type MQTTDialer struct {
	cfg MQTTConfig
}

func NewMQTTDialer(cfg MQTTConfig) *MQTTDialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "presence-sync"
	}
	return &MQTTDialer{cfg: cfg}
}

func (d *MQTTDialer) Dial(ctx context.Context, employeeID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := newMQTTStream(TopicFor(employeeID))

	opts := paho.NewClientOptions().
		AddBroker(d.cfg.Broker).
		SetClientID(fmt.Sprintf("%s-%s", d.cfg.ClientID, employeeID)).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.fail(err)
		})
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username).SetPassword(d.cfg.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(d.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	sub := client.Subscribe(s.topic, d.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		s.deliver(msg.Payload())
	})
	if !sub.WaitTimeout(d.cfg.ConnectTimeout) {
		client.Disconnect(250)
		return nil, errors.New("mqtt subscribe timeout")
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", s.topic, err)
	}

	s.client = client
	slog.Info("MQTT stream subscribed", "broker", d.cfg.Broker, "topic", s.topic)
	return s, nil
}

type mqttStream struct {
	topic  string
	client paho.Client
	msgs   chan []byte
	errc   chan error
	done   chan struct{}
	once   sync.Once
}

func newMQTTStream(topic string) *mqttStream {
	return &mqttStream{
		topic: topic,
		msgs:  make(chan []byte, 64),
		errc:  make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (s *mqttStream) deliver(payload []byte) {
	select {
	case s.msgs <- append([]byte(nil), payload...):
	case <-s.done:
	}
}

func (s *mqttStream) fail(err error) {
	if err == nil {
		err = presence.ErrChannelClosed
	}
	select {
	case s.errc <- err:
	default:
	}
}

func (s *mqttStream) Next() ([]byte, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.errc:
		return nil, err
	case <-s.done:
		return nil, presence.ErrChannelClosed
	}
}

func (s *mqttStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
			s.client.Disconnect(250)
		}
	})
	return nil
}
