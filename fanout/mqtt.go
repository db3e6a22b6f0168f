package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"crewmap/config"
	"crewmap/models"
)

const publishTimeout = 5 * time.Second

// MQTTPublisher mirrors new samples onto <prefix>/crews/<crewID>/locations.
type MQTTPublisher struct {
	client MQTT.Client
	prefix string
	qos    byte
	log    logrus.FieldLogger
}

// NewMQTTPublisher wraps an already configured client.
func NewMQTTPublisher(client MQTT.Client, prefix string, qos byte, log logrus.FieldLogger) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos, log: log}
}

// ConnectMQTT dials the broker described by cfg.
func ConnectMQTT(cfg config.MQTTConfig, log logrus.FieldLogger) (*MQTTPublisher, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		log.WithField("broker", cfg.Broker).Info("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.WithError(err).Error("MQTT connection lost")
	})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return NewMQTTPublisher(client, cfg.TopicPrefix, byte(cfg.QoS), log), nil
}

// Topic returns the topic a crew's samples are published on.
func (p *MQTTPublisher) Topic(crewID string) string {
	return fmt.Sprintf("%s/crews/%s/locations", p.prefix, crewID)
}

func (p *MQTTPublisher) Publish(ctx context.Context, sample models.LocationSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(sample.CrewID), p.qos, false, payload)

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("mqtt publish to %s timed out", p.Topic(sample.CrewID))
	}
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
