package mqttgate

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Broker is the subset of an MQTT client the gate uses
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

// BrokerOptions configures Dial
type BrokerOptions struct {
	BrokerURL string
	ClientID  string
	QoS       byte
	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration
}

type pahoBroker struct {
	raw mqtt.Client
	qos byte
}

// Dial connects to an MQTT broker
func Dial(opts BrokerOptions) (Broker, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("invalid mqtt options: broker url is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", opts.BrokerURL, err)
	}
	return &pahoBroker{raw: c, qos: opts.QoS}, nil
}

func (b *pahoBroker) Publish(topic string, payload []byte) error {
	token := b.raw.Publish(topic, b.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (b *pahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := b.raw.Subscribe(topic, b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (b *pahoBroker) Close() {
	b.raw.Disconnect(250)
}
