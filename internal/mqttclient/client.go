// Package mqttclient publishes pipeline events to an MQTT broker so home
// automation or notification consumers can react to recordings finishing.
package mqttclient

import (
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client is an outbound-only MQTT publisher.
type Client struct {
	conn        mqtt.Client
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger
}

// Options configures the MQTT connection.
type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// Connect dials the broker and returns a publisher. The underlying client
// auto-reconnects; publishes while disconnected are dropped with a warning.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		topicPrefix: opts.TopicPrefix,
		log:         opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.topicPrefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends a payload under {prefix}/{subtopic} at QoS 0, fire-and-forget.
func (c *Client) Publish(subtopic string, payload []byte) {
	if !c.connected.Load() {
		c.log.Debug().Str("subtopic", subtopic).Msg("mqtt disconnected, dropping event")
		return
	}
	topic := c.topicPrefix + "/" + subtopic
	token := c.conn.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

// IsConnected reports the current broker connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
