package mqtt

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// RealPublisher publishes via the Paho client. Publish does not wait for the
// broker acknowledgement; paho buffers while reconnecting.
type RealPublisher struct {
	client paho.Client
	logger *zap.Logger
}

func NewRealPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*RealPublisher, error) {
	logger = logger.Named("mqtt")

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("Broker connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("Connected to broker", zap.String("broker", cfg.Broker))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &RealPublisher{client: client, logger: logger}, nil
}

func (p *RealPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
