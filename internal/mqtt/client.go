package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/ecowitt-bridge/internal/config"
)

// ErrNotConnected is returned by [Client.Publish] before [Client.Start].
var ErrNotConnected = errors.New("mqtt client not started")

// Client manages the broker connection for the bridge.
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	handler  MessageHandler
	logger   *slog.Logger
	limiter  *messageRateLimiter
	inbox    chan inbound

	// passive clients only publish: no subscription, will or bridge
	// availability.
	passive bool

	mu        sync.Mutex
	onConnect []func(context.Context)

	cm *autopaho.ConnectionManager
}

// New creates a Client but does not connect. Inbound uploads on
// cfg.InTopic are passed to handler.
func New(cfg config.MQTTConfig, clientID string, handler MessageHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		clientID: clientID,
		handler:  handler,
		logger:   logger,
		limiter:  newMessageRateLimiter(int64(cfg.MessageRateLimit()), time.Second, logger),
		inbox:    make(chan inbound, inboxSize),
	}
}

// NewPublisher creates a publish-only Client for one-shot maintenance
// commands. It leaves the running bridge's availability untouched.
func NewPublisher(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *Client {
	c := New(cfg, clientID, func(context.Context, string, []byte) {}, logger)
	c.passive = true
	return c
}

// OnConnect registers fn to run after every (re-)connect, once the
// subscription and bridge birth message are in place.
func (c *Client) OnConnect(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// BridgeAvailabilityTopic is where the bridge itself reports
// online/offline. The broker publishes "offline" here as the will.
func (c *Client) BridgeAvailabilityTopic() string {
	return c.cfg.StatePrefix + "/bridge/availability"
}

// Start connects to the broker and starts the dispatch goroutine. It
// waits up to 30 seconds for the first connection, then returns;
// autopaho keeps retrying in the background.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.BridgeAvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)
			// Work that publishes must leave the paho callback goroutine.
			go c.connected(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if c.passive {
		pahoCfg.WillMessage = nil
		pahoCfg.OnConnectionUp = func(*autopaho.ConnectionManager, *paho.Connack) {
			c.logger.Debug("mqtt publisher connected", "broker", c.cfg.Broker)
		}
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	go c.limiter.start(ctx)
	go dispatch(ctx, c.inbox, c.handler, c.logger)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

func (c *Client) connected(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: c.cfg.InTopic, QoS: 0},
		},
	}); err != nil {
		c.logger.Error("mqtt subscribe failed", "topic", c.cfg.InTopic, "error", err)
	} else {
		c.logger.Info("mqtt subscribed", "topic", c.cfg.InTopic)
	}

	if err := c.publish(ctx, cm, c.BridgeAvailabilityTopic(), []byte("online"), true); err != nil {
		c.logger.Warn("mqtt bridge availability publish failed", "status", "online", "error", err)
	}

	c.mu.Lock()
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

// receive queues an inbound message without blocking.
func (c *Client) receive(topic string, payload []byte) {
	if !c.limiter.allow() {
		return
	}
	select {
	case c.inbox <- inbound{topic: topic, payload: payload}:
	default:
		c.limiter.dropped.Add(1)
		c.logger.Debug("mqtt inbox full, dropping upload", "topic", topic)
	}
}

// Publish sends payload to topic at QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}
	return c.publish(ctx, cm, topic, payload, retain)
}

func (c *Client) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) error {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Stop publishes "offline" for the bridge and disconnects. ctx bounds
// both steps.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	if c.passive {
		return cm.Disconnect(ctx)
	}
	if err := c.publish(ctx, cm, c.BridgeAvailabilityTopic(), []byte("offline"), true); err != nil {
		c.logger.Warn("mqtt bridge availability publish failed", "status", "offline", "error", err)
	}
	return cm.Disconnect(ctx)
}
